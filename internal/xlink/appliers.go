package xlink

import (
	"context"

	"github.com/citymodel-pipeline/internal/format"
	"github.com/citymodel-pipeline/internal/store"
	"github.com/citymodel-pipeline/internal/transform"
	"github.com/citymodel-pipeline/pkg/model"
)

// Patcher records reference rewrites for features already handed to a
// writer.
type Patcher interface {
	Patch(p format.Patch)
}

// ExportApplier turns a resolved reference into a local pointer in the
// exported file. Ids are mapped the same way the written features were.
type ExportApplier struct {
	Writer    Patcher
	Transform *transform.Chain
}

// Apply implements Applier.
func (a ExportApplier) Apply(_ context.Context, ref model.ForwardReference, _ int64) error {
	chain := a.Transform
	if chain == nil {
		chain = transform.Identity()
	}
	target := chain.OutputID(ref.Target)
	a.Writer.Patch(format.Patch{
		Root:     chain.OutputID(ref.RootGMLID),
		Source:   chain.OutputID(ref.SourceGMLID),
		Property: ref.Property,
		Target:   target,
		Href:     "#" + target,
	})
	return nil
}

// ImportApplier links the persisted reference row to its target.
type ImportApplier struct {
	Store store.Persister
}

// Apply implements Applier.
func (a ImportApplier) Apply(ctx context.Context, ref model.ForwardReference, targetID int64) error {
	return a.Store.UpdateReference(ctx, ref.SourceID, targetID)
}
