// Package transform applies the configured per-feature export transforms:
// level-of-detail filtering, coordinate transforms and identifier
// pseudonymization.
package transform

import (
	"github.com/citymodel-pipeline/internal/schema"
	"github.com/citymodel-pipeline/pkg/config"
	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

// Chain is an immutable set of transforms shared by all workers of a run.
type Chain struct {
	lod       int
	registry  *schema.Registry
	affine    *Affine
	reproject *Reprojection
	pseudo    *Pseudonymizer
}

// New builds the chain described by cfg.
func New(cfg config.TransformConfig, registry *schema.Registry) (*Chain, error) {
	if registry == nil {
		registry = schema.Default()
	}
	c := &Chain{lod: cfg.LOD, registry: registry}

	if len(cfg.Affine) > 0 {
		a, err := NewAffine(cfg.Affine)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfigError, "invalid affine transform", err)
		}
		c.affine = &a
	}
	if cfg.TargetSRS != "" && normalizeSRS(cfg.TargetSRS) != normalizeSRS(cfg.SourceSRS) {
		r, err := NewReprojection(cfg.SourceSRS, cfg.TargetSRS)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConfigError, "invalid reprojection", err)
		}
		c.reproject = r
	}
	if cfg.Pseudonymize {
		c.pseudo = NewPseudonymizer(cfg.Salt)
	}
	return c, nil
}

// Identity returns a chain that changes nothing.
func Identity() *Chain {
	return &Chain{lod: -1, registry: schema.Default()}
}

// FilterLOD applies the level-of-detail filter. It runs before identifiers
// are registered so removed geometries are never announced.
func (c *Chain) FilterLOD(f *model.Feature) LODStats {
	return FilterLOD(f, c.lod, c.registry)
}

// OutputID maps an external id to the id written to the output.
func (c *Chain) OutputID(id string) string {
	if c.pseudo == nil {
		return id
	}
	return c.pseudo.ID(id)
}

// TargetSRS returns the reference system of transformed output, or srs
// when coordinates are not reprojected.
func (c *Chain) TargetSRS(srs string) string {
	if c.reproject == nil {
		return srs
	}
	return c.reproject.Target()
}

// Apply transforms coordinates and identifiers of the feature tree in place
// and recomputes the envelope.
func (c *Chain) Apply(f *model.Feature) {
	transformPoints := c.affine != nil || c.reproject != nil

	f.Walk(func(sub *model.Feature) {
		sub.GMLID = c.OutputID(sub.GMLID)
		for _, g := range sub.Geometries {
			g.GMLID = c.OutputID(g.GMLID)
			g.Href = c.OutputID(g.Href)
			if transformPoints {
				c.applyPoints(g)
			}
		}
		for _, r := range sub.References {
			r.Target = c.OutputID(r.Target)
		}
	})
	f.Envelope = f.ComputeEnvelope()
}

func (c *Chain) applyPoints(g *model.Geometry) {
	for _, poly := range g.Polygons {
		for _, ring := range poly {
			for i, p := range ring {
				if c.affine != nil {
					p = c.affine.Apply(p)
				}
				if c.reproject != nil {
					p = c.reproject.Apply(p)
				}
				ring[i] = p
			}
		}
	}
}
