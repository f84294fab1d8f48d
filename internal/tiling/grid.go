// Package tiling splits an export extent into a grid and runs one pipeline
// instance per cell.
package tiling

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

// DefaultPathTemplate names tile outputs after the configured output.
const DefaultPathTemplate = "{base}_{row}_{col}{ext}"

// Grid divides extent into rows x cols tiles in row-major order. Row 0 is
// the southernmost row. Border tiles extend past the extent, so a feature
// whose center lies outside it still falls into exactly one tile.
func Grid(extent orb.Bound, srs string, rows, cols int) ([]model.Tile, error) {
	if rows < 1 || cols < 1 {
		return nil, apperrors.Newf(apperrors.CodeConfigError, "invalid tile grid %dx%d", rows, cols)
	}
	width := extent.Max[0] - extent.Min[0]
	height := extent.Max[1] - extent.Min[1]
	if width <= 0 || height <= 0 {
		return nil, apperrors.Newf(apperrors.CodeConfigError, "tiling extent %v has no area", extent)
	}

	tiles := make([]model.Tile, 0, rows*cols)
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			tile := model.Tile{
				Row:         r,
				Column:      c,
				SRS:         srs,
				FirstRow:    r == 0,
				FirstColumn: c == 0,
				LastRow:     r == rows-1,
				LastColumn:  c == cols-1,
			}
			tile.Extent.Min = orb.Point{
				extent.Min[0] + width*float64(c)/float64(cols),
				extent.Min[1] + height*float64(r)/float64(rows),
			}
			tile.Extent.Max = orb.Point{
				extent.Min[0] + width*float64(c+1)/float64(cols),
				extent.Min[1] + height*float64(r+1)/float64(rows),
			}
			// exact edges so the outer border does not drift
			if tile.LastColumn {
				tile.Extent.Max[0] = extent.Max[0]
			}
			if tile.LastRow {
				tile.Extent.Max[1] = extent.Max[1]
			}
			tiles = append(tiles, tile)
		}
	}
	return tiles, nil
}

// OutputPath expands template for tile. {base} is output without its
// extensions, {ext} the extensions including compression suffix.
func OutputPath(template, output string, tile model.Tile) string {
	if template == "" {
		template = DefaultPathTemplate
	}
	base, ext := splitExt(output)
	r := strings.NewReplacer(
		"{base}", base,
		"{ext}", ext,
		"{row}", strconv.Itoa(tile.Row),
		"{col}", strconv.Itoa(tile.Column),
	)
	return r.Replace(template)
}

func splitExt(path string) (string, string) {
	dir, name := filepath.Split(path)
	idx := strings.Index(name, ".")
	if idx <= 0 {
		return path, ""
	}
	return dir + name[:idx], name[idx:]
}

// Describe returns a short human readable label for tile.
func Describe(tile *model.Tile) string {
	if tile == nil {
		return "untiled"
	}
	return fmt.Sprintf("tile %s", tile.Key())
}
