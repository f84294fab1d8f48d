package splitter

import (
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/paulmach/orb"

	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

// Spatial modes of a bounding box predicate.
const (
	ModeOverlaps = "overlaps"
	ModeWithin   = "within"
)

// Selection is a key predicate plus whether it needs the spatial index.
type Selection struct {
	Predicate sq.Sqlizer
	Spatial   bool
}

// And combines selections. Nil predicates are skipped.
func And(selections ...Selection) Selection {
	var and sq.And
	spatial := false
	for _, s := range selections {
		if s.Predicate == nil {
			continue
		}
		and = append(and, s.Predicate)
		spatial = spatial || s.Spatial
	}
	switch len(and) {
	case 0:
		return Selection{}
	case 1:
		return Selection{Predicate: and[0], Spatial: spatial}
	}
	return Selection{Predicate: and, Spatial: spatial}
}

// AttributeSelection filters on external ids and lineage.
func AttributeSelection(gmlIDs []string, lineage string) Selection {
	var and sq.And
	if len(gmlIDs) > 0 {
		and = append(and, sq.Eq{"gmlid": gmlIDs})
	}
	if lineage != "" {
		and = append(and, sq.Eq{"lineage": lineage})
	}
	if len(and) == 0 {
		return Selection{}
	}
	return Selection{Predicate: and}
}

// VersionSelection filters on the validity interval of a feature version.
func VersionSelection(cfg config.VersionConfig) (Selection, error) {
	switch cfg.Mode {
	case "", "all":
		return Selection{}, nil
	case "latest":
		return Selection{Predicate: sq.Eq{"termination_date": nil}}, nil
	case "at":
		at, err := cfg.VersionTime()
		if err != nil {
			return Selection{}, apperrors.Wrap(apperrors.CodeQueryError, "invalid version timestamp", err)
		}
		return Selection{Predicate: validAt(at)}, nil
	default:
		return Selection{}, apperrors.Newf(apperrors.CodeQueryError, "unsupported version mode %q", cfg.Mode)
	}
}

func validAt(at time.Time) sq.Sqlizer {
	return sq.And{
		sq.LtOrEq{"creation_date": at},
		sq.Or{
			sq.Eq{"termination_date": nil},
			sq.Gt{"termination_date": at},
		},
	}
}

// BBoxSelection filters on the envelope columns.
func BBoxSelection(b orb.Bound, mode string) (Selection, error) {
	switch mode {
	case "", ModeOverlaps:
		return Selection{Spatial: true, Predicate: sq.And{
			sq.LtOrEq{"env_xmin": b.Max[0]},
			sq.GtOrEq{"env_xmax": b.Min[0]},
			sq.LtOrEq{"env_ymin": b.Max[1]},
			sq.GtOrEq{"env_ymax": b.Min[1]},
		}}, nil
	case ModeWithin:
		return Selection{Spatial: true, Predicate: sq.And{
			sq.GtOrEq{"env_xmin": b.Min[0]},
			sq.LtOrEq{"env_xmax": b.Max[0]},
			sq.GtOrEq{"env_ymin": b.Min[1]},
			sq.LtOrEq{"env_ymax": b.Max[1]},
		}}, nil
	default:
		return Selection{}, apperrors.Newf(apperrors.CodeQueryError, "unsupported bbox mode %q", mode)
	}
}

// TileSelection assigns a feature to the tile containing the center of its
// envelope. It splits features between tiles and is combined with the bbox
// selection, which decides what is exported at all. Inner edges are
// half-open and border edges unbounded, the same as model.Tile.Contains.
func TileSelection(t model.Tile) Selection {
	const cx, cy = "(env_xmin + env_xmax) / 2", "(env_ymin + env_ymax) / 2"

	and := sq.And{}
	if !t.FirstColumn {
		and = append(and, sq.Expr(cx+" >= ?", t.Extent.Min[0]))
	}
	if !t.FirstRow {
		and = append(and, sq.Expr(cy+" >= ?", t.Extent.Min[1]))
	}
	if !t.LastColumn {
		and = append(and, sq.Expr(cx+" < ?", t.Extent.Max[0]))
	}
	if !t.LastRow {
		and = append(and, sq.Expr(cy+" < ?", t.Extent.Max[1]))
	}
	if len(and) == 0 {
		return Selection{Spatial: true}
	}
	return Selection{Predicate: and, Spatial: true}
}

// MatchesBBox applies the bbox predicate to an in-memory envelope.
func MatchesBBox(env model.Envelope, b orb.Bound, mode string) bool {
	if env.IsEmpty() {
		return false
	}
	fb := env.Bound()
	if mode == ModeWithin {
		return fb.Min[0] >= b.Min[0] && fb.Max[0] <= b.Max[0] &&
			fb.Min[1] >= b.Min[1] && fb.Max[1] <= b.Max[1]
	}
	return fb.Min[0] <= b.Max[0] && fb.Max[0] >= b.Min[0] &&
		fb.Min[1] <= b.Max[1] && fb.Max[1] >= b.Min[1]
}
