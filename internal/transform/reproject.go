package transform

import (
	"fmt"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/project"

	"github.com/citymodel-pipeline/pkg/model"
)

// Reference systems understood by the reprojection.
const (
	SRSWGS84    = "EPSG:4326"
	SRSMercator = "EPSG:3857"
)

// Reprojection converts planar coordinates between two reference systems.
// Heights are kept.
type Reprojection struct {
	from, to string
	proj     orb.Projection
}

// NewReprojection returns the reprojection from one system to another.
func NewReprojection(from, to string) (*Reprojection, error) {
	from, to = normalizeSRS(from), normalizeSRS(to)
	var proj orb.Projection
	switch {
	case from == SRSWGS84 && to == SRSMercator:
		proj = project.WGS84.ToMercator
	case from == SRSMercator && to == SRSWGS84:
		proj = project.Mercator.ToWGS84
	default:
		return nil, fmt.Errorf("unsupported reprojection %s -> %s", from, to)
	}
	return &Reprojection{from: from, to: to, proj: proj}, nil
}

// Target returns the target reference system.
func (r *Reprojection) Target() string {
	return r.to
}

// Apply reprojects one point.
func (r *Reprojection) Apply(p model.Point3) model.Point3 {
	q := r.proj(orb.Point{p[0], p[1]})
	return model.Point3{q[0], q[1], p[2]}
}

func normalizeSRS(srs string) string {
	s := strings.ToUpper(strings.TrimSpace(srs))
	switch s {
	case "4326", "WGS84", "CRS84":
		return SRSWGS84
	case "3857", "900913", "EPSG:900913":
		return SRSMercator
	}
	return s
}
