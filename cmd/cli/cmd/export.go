package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/citymodel-pipeline/internal/pipeline"
)

var (
	// Export command flags
	exportOutput   string
	exportFormat   string
	exportTypes    []string
	exportIDs      []string
	exportLineage  string
	exportBBox     string
	exportBBoxMode string
	exportTiles    string
	exportLimit    int64
	exportStart    int64
	exportUpload   bool
	exportLOD      int
)

// exportCmd represents the export command
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export features from the database into CityJSON files",
	Long: `Export writes every feature matching the selection, with its full
object graph, into a CityJSON document (.city.json) or a CityJSON
sequence (.city.jsonl). A ".gz" or ".zst" suffix compresses the output.

With --tiles the bounding box is split into a grid and each tile is
written to its own file. References that point into another tile are
checked at the end of the run.`,
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	binName := BinName()
	exportCmd.Example = `  # Export everything
  ` + binName + ` export -o ./city.city.json

  # Buildings inside a box, as a gzipped sequence
  ` + binName + ` export -o ./bldg.city.jsonl.gz --types Building --bbox 0,0,500,500 --bbox-mode within

  # 2x3 tiles uploaded to object storage
  ` + binName + ` export -o ./tiles/city.city.json --bbox 0,0,3000,2000 --tiles 2x3 --upload`

	f := exportCmd.Flags()
	f.StringVarP(&exportOutput, "output", "o", "", "Output file (overrides export.output)")
	f.StringVar(&exportFormat, "format", "", "Output format: cityjson or cityjsonseq")
	f.StringSliceVarP(&exportTypes, "types", "t", nil, "Feature types to export")
	f.StringSliceVar(&exportIDs, "ids", nil, "Only export these feature ids")
	f.StringVar(&exportLineage, "lineage", "", "Only export features with this lineage")
	f.StringVar(&exportBBox, "bbox", "", "Bounding box minx,miny,maxx,maxy")
	f.StringVar(&exportBBoxMode, "bbox-mode", "", "Bounding box mode: overlaps or within")
	f.StringVar(&exportTiles, "tiles", "", "Tile grid as ROWSxCOLUMNS; requires --bbox")
	f.Int64Var(&exportStart, "start", 0, "Skip this many matching features")
	f.Int64Var(&exportLimit, "limit", 0, "Export at most this many features")
	f.BoolVar(&exportUpload, "upload", false, "Upload outputs to object storage")
	f.IntVar(&exportLOD, "lod", -1, "Only keep geometries of this level of detail")
	f.StringVar(&summaryPath, "summary", "", "Write the run result as JSON to this file")
}

func applyExportFlags(cmd *cobra.Command) error {
	e := &cfg.Export
	flags := cmd.Flags()
	if flags.Changed("output") {
		e.Output = exportOutput
	}
	if flags.Changed("format") {
		e.Format = exportFormat
	}
	if flags.Changed("types") {
		e.Types = exportTypes
	}
	if flags.Changed("ids") {
		e.GMLIDs = exportIDs
	}
	if flags.Changed("lineage") {
		e.Lineage = exportLineage
	}
	if flags.Changed("bbox") {
		bounds, err := parseBounds(exportBBox)
		if err != nil {
			return err
		}
		e.BBox.Bounds = bounds
	}
	if flags.Changed("bbox-mode") {
		e.BBox.Mode = exportBBoxMode
	}
	if flags.Changed("tiles") {
		rows, cols, err := parseGrid(exportTiles)
		if err != nil {
			return err
		}
		e.Tiling.Rows, e.Tiling.Columns = rows, cols
	}
	if flags.Changed("start") {
		e.Counter.Start = exportStart
	}
	if flags.Changed("limit") {
		e.Counter.Limit = exportLimit
	}
	if flags.Changed("upload") {
		e.Upload = exportUpload
	}
	if flags.Changed("lod") {
		e.Transform.LOD = exportLOD
	}
	if e.Output == "" {
		return fmt.Errorf("no output file: set --output or export.output")
	}
	return cfg.Validate()
}

func runExport(cmd *cobra.Command, args []string) error {
	if err := applyExportFlags(cmd); err != nil {
		return err
	}

	ctx, stop := runContext(cmd.Context())
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	opts, err := options(ctx, cfg.Export.Upload)
	if err != nil {
		return err
	}

	logger.Info("Exporting to %s", cfg.Export.Output)
	result := pipeline.NewExporter(st, cfg, opts).Run(ctx)
	return report("export", result)
}

func parseBounds(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("invalid bbox %q: want minx,miny,maxx,maxy", s)
	}
	out := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid bbox %q: %w", s, err)
		}
		out[i] = v
	}
	return out, nil
}

func parseGrid(s string) (int, int, error) {
	r, c, ok := strings.Cut(strings.ToLower(s), "x")
	if !ok {
		return 0, 0, fmt.Errorf("invalid tile grid %q: want ROWSxCOLUMNS", s)
	}
	rows, err := strconv.Atoi(r)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid tile rows in %q", s)
	}
	cols, err := strconv.Atoi(c)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid tile columns in %q", s)
	}
	return rows, cols, nil
}
