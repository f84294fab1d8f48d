package transform

import (
	"fmt"

	"github.com/citymodel-pipeline/pkg/model"
)

// Affine is a row-major 3x4 matrix applied to homogeneous coordinates.
type Affine [12]float64

// IdentityAffine returns the identity transform.
func IdentityAffine() Affine {
	return Affine{1, 0, 0, 0, 0, 1, 0, 0, 0, 0, 1, 0}
}

// NewAffine builds a matrix from 12 row-major values.
func NewAffine(values []float64) (Affine, error) {
	var a Affine
	if len(values) != len(a) {
		return a, fmt.Errorf("affine transform needs %d values, got %d", len(a), len(values))
	}
	copy(a[:], values)
	return a, nil
}

// Apply transforms one point.
func (a Affine) Apply(p model.Point3) model.Point3 {
	return model.Point3{
		a[0]*p[0] + a[1]*p[1] + a[2]*p[2] + a[3],
		a[4]*p[0] + a[5]*p[1] + a[6]*p[2] + a[7],
		a[8]*p[0] + a[9]*p[1] + a[10]*p[2] + a[11],
	}
}
