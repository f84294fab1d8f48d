package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/citymodel-pipeline/pkg/errors"
	"github.com/citymodel-pipeline/pkg/model"
)

func TestResolve_ConcreteClass(t *testing.T) {
	classes, err := Default().Resolve([]string{"building"})
	require.NoError(t, err)
	assert.Equal(t, []int{ClassBuilding}, IDs(classes))
}

func TestResolve_AbstractClassSelectsDescendants(t *testing.T) {
	classes, err := Default().Resolve([]string{"TransportationObject"})
	require.NoError(t, err)
	assert.Equal(t, []int{ClassTransportationComplex, ClassTrack, ClassRailway, ClassRoad, ClassSquare}, IDs(classes))
}

func TestResolve_NonTopLevelSelectsNothing(t *testing.T) {
	_, err := Default().Resolve([]string{"WallSurface"})
	require.Error(t, err)
	assert.True(t, apperrors.IsPreconditionError(err))
}

func TestResolve_UnknownType(t *testing.T) {
	_, err := Default().Resolve([]string{"Building", "Spaceship"})
	require.Error(t, err)
	assert.Equal(t, apperrors.CodeInvalidInput, apperrors.GetErrorCode(err))
}

func TestResolve_AllTopLevel(t *testing.T) {
	classes, err := Default().Resolve(nil)
	require.NoError(t, err)

	var groups int
	for _, c := range classes {
		assert.True(t, c.TopLevel)
		assert.False(t, c.Abstract)
		if c.Group {
			groups++
		}
	}
	assert.Equal(t, 1, groups)
	assert.Contains(t, IDs(classes), ClassBuilding)
	assert.NotContains(t, IDs(classes), ClassBuildingPart)
}

func TestResolve_Deduplicates(t *testing.T) {
	classes, err := Default().Resolve([]string{"Road", "TransportationComplex", "road"})
	require.NoError(t, err)
	assert.Len(t, classes, 5)
}

func TestIsSubclassOf(t *testing.T) {
	r := Default()
	assert.True(t, r.IsSubclassOf(ClassBuildingPart, ClassAbstractBuilding))
	assert.True(t, r.IsSubclassOf(ClassRoad, ClassCityObject))
	assert.True(t, r.IsSubclassOf(ClassRoad, ClassRoad))
	assert.False(t, r.IsSubclassOf(ClassRoad, ClassAbstractBuilding))
	assert.False(t, r.IsSubclassOf(999, ClassCityObject))
}

func TestPreferred_Inherited(t *testing.T) {
	r := Default()
	assert.Equal(t, model.RelationBoundarySurface, r.Preferred(ClassBuilding))
	assert.Equal(t, model.RelationBoundarySurface, r.Preferred(ClassBridgePart))
	assert.Equal(t, model.RelationBoundarySurface, r.Preferred(ClassTunnel))
	assert.Equal(t, model.RelationTrafficArea, r.Preferred(ClassRoad))
	assert.Equal(t, model.RelationTerrain, r.Preferred(ClassReliefFeature))
	assert.Equal(t, model.Relation(""), r.Preferred(ClassCityFurniture))
	assert.Equal(t, model.Relation(""), r.Preferred(999))
}

func TestByName(t *testing.T) {
	c, ok := Default().ByName("  CityObjectGroup ")
	require.True(t, ok)
	assert.True(t, c.Group)

	_, ok = Default().ByID(ClassBridge)
	assert.True(t, ok)
}
