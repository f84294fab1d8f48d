package cmd

import (
	"github.com/spf13/cobra"

	"github.com/citymodel-pipeline/internal/pipeline"
	"github.com/citymodel-pipeline/internal/storage"
)

var (
	// Import command flags
	importTypes   []string
	importLineage string
	importBBox    string
	importLimit   int64
)

// importCmd represents the import command
var importCmd = &cobra.Command{
	Use:   "import [files...]",
	Short: "Import CityJSON files into the database",
	Long: `Import reads CityJSON documents and sequences, assigns database ids
and stores every feature with its geometries and references.

Inputs prefixed with storage:// are downloaded from the configured object
storage first. A feature whose id was already imported in the same run is
skipped with a warning.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	binName := BinName()
	importCmd.Example = `  # Import local files
  ` + binName + ` import ./a.city.json ./b.city.jsonl.gz

  # Import buildings from object storage
  ` + binName + ` import storage://incoming/city.city.json --types Building`

	f := importCmd.Flags()
	f.StringSliceVarP(&importTypes, "types", "t", nil, "Feature types to import")
	f.StringVar(&importLineage, "lineage", "", "Lineage stored on every imported feature")
	f.StringVar(&importBBox, "bbox", "", "Only import features overlapping minx,miny,maxx,maxy")
	f.Int64Var(&importLimit, "limit", 0, "Import at most this many features")
	f.StringVar(&summaryPath, "summary", "", "Write the run result as JSON to this file")
}

func applyImportFlags(cmd *cobra.Command, args []string) error {
	in := &cfg.Import
	flags := cmd.Flags()
	if len(args) > 0 {
		in.Inputs = args
	}
	if flags.Changed("types") {
		in.Types = importTypes
	}
	if flags.Changed("lineage") {
		in.Lineage = importLineage
	}
	if flags.Changed("bbox") {
		bounds, err := parseBounds(importBBox)
		if err != nil {
			return err
		}
		in.BBox.Bounds = bounds
	}
	if flags.Changed("limit") {
		in.Counter.Limit = importLimit
	}
	return cfg.Validate()
}

func runImport(cmd *cobra.Command, args []string) error {
	if err := applyImportFlags(cmd, args); err != nil {
		return err
	}

	ctx, stop := runContext(cmd.Context())
	defer stop()

	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close()

	remote := false
	for _, in := range cfg.Import.Inputs {
		remote = remote || storage.IsRemote(in)
	}
	opts, err := options(ctx, remote)
	if err != nil {
		return err
	}

	logger.Info("Importing %d inputs", len(cfg.Import.Inputs))
	result := pipeline.NewImporter(st, cfg, opts).Run(ctx)
	return report("import", result)
}
