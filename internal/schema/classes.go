package schema

import "github.com/citymodel-pipeline/pkg/model"

// Class ids of the default registry.
const (
	ClassCityObject            = 1
	ClassLandUse               = 4
	ClassGenericCityObject     = 5
	ClassVegetationObject      = 6
	ClassSolitaryVegetation    = 7
	ClassPlantCover            = 8
	ClassWaterBody             = 9
	ClassReliefFeature         = 14
	ClassCityFurniture         = 21
	ClassCityObjectGroup       = 23
	ClassAbstractBuilding      = 24
	ClassBuildingPart          = 25
	ClassBuilding              = 26
	ClassBuildingInstallation  = 27
	ClassBoundarySurface       = 30
	ClassRoofSurface           = 33
	ClassWallSurface           = 34
	ClassGroundSurface         = 35
	ClassTransportationObject  = 41
	ClassTransportationComplex = 42
	ClassTrack                 = 43
	ClassRailway               = 44
	ClassRoad                  = 45
	ClassSquare                = 46
	ClassTrafficArea           = 47
	ClassAuxiliaryTrafficArea  = 48
	ClassAbstractBridge        = 62
	ClassBridgePart            = 63
	ClassBridge                = 64
	ClassAbstractTunnel        = 83
	ClassTunnelPart            = 84
	ClassTunnel                = 85
)

var defaultClasses = []Class{
	{ID: ClassCityObject, Name: "CityObject", Abstract: true},

	{ID: ClassAbstractBuilding, Name: "AbstractBuilding", Parent: ClassCityObject, Abstract: true,
		Preferred: model.RelationBoundarySurface},
	{ID: ClassBuilding, Name: "Building", Parent: ClassAbstractBuilding, TopLevel: true},
	{ID: ClassBuildingPart, Name: "BuildingPart", Parent: ClassAbstractBuilding},
	{ID: ClassBuildingInstallation, Name: "BuildingInstallation", Parent: ClassCityObject},

	{ID: ClassBoundarySurface, Name: "BoundarySurface", Parent: ClassCityObject, Abstract: true},
	{ID: ClassRoofSurface, Name: "RoofSurface", Parent: ClassBoundarySurface},
	{ID: ClassWallSurface, Name: "WallSurface", Parent: ClassBoundarySurface},
	{ID: ClassGroundSurface, Name: "GroundSurface", Parent: ClassBoundarySurface},

	{ID: ClassAbstractBridge, Name: "AbstractBridge", Parent: ClassCityObject, Abstract: true,
		Preferred: model.RelationBoundarySurface},
	{ID: ClassBridge, Name: "Bridge", Parent: ClassAbstractBridge, TopLevel: true},
	{ID: ClassBridgePart, Name: "BridgePart", Parent: ClassAbstractBridge},

	{ID: ClassAbstractTunnel, Name: "AbstractTunnel", Parent: ClassCityObject, Abstract: true,
		Preferred: model.RelationBoundarySurface},
	{ID: ClassTunnel, Name: "Tunnel", Parent: ClassAbstractTunnel, TopLevel: true},
	{ID: ClassTunnelPart, Name: "TunnelPart", Parent: ClassAbstractTunnel},

	{ID: ClassTransportationObject, Name: "TransportationObject", Parent: ClassCityObject, Abstract: true,
		Preferred: model.RelationTrafficArea},
	{ID: ClassTransportationComplex, Name: "TransportationComplex", Parent: ClassTransportationObject, TopLevel: true},
	{ID: ClassTrack, Name: "Track", Parent: ClassTransportationComplex, TopLevel: true},
	{ID: ClassRailway, Name: "Railway", Parent: ClassTransportationComplex, TopLevel: true},
	{ID: ClassRoad, Name: "Road", Parent: ClassTransportationComplex, TopLevel: true},
	{ID: ClassSquare, Name: "Square", Parent: ClassTransportationComplex, TopLevel: true},
	{ID: ClassTrafficArea, Name: "TrafficArea", Parent: ClassTransportationObject},
	{ID: ClassAuxiliaryTrafficArea, Name: "AuxiliaryTrafficArea", Parent: ClassTransportationObject},

	{ID: ClassVegetationObject, Name: "VegetationObject", Parent: ClassCityObject, Abstract: true},
	{ID: ClassSolitaryVegetation, Name: "SolitaryVegetationObject", Parent: ClassVegetationObject, TopLevel: true},
	{ID: ClassPlantCover, Name: "PlantCover", Parent: ClassVegetationObject, TopLevel: true},

	{ID: ClassLandUse, Name: "LandUse", Parent: ClassCityObject, TopLevel: true},
	{ID: ClassGenericCityObject, Name: "GenericCityObject", Parent: ClassCityObject, TopLevel: true},
	{ID: ClassWaterBody, Name: "WaterBody", Parent: ClassCityObject, TopLevel: true},
	{ID: ClassReliefFeature, Name: "ReliefFeature", Parent: ClassCityObject, TopLevel: true,
		Preferred: model.RelationTerrain},
	{ID: ClassCityFurniture, Name: "CityFurniture", Parent: ClassCityObject, TopLevel: true},
	{ID: ClassCityObjectGroup, Name: "CityObjectGroup", Parent: ClassCityObject, TopLevel: true, Group: true},
}

var defaultRegistry = NewRegistry(defaultClasses)

// Default returns the built-in class registry.
func Default() *Registry {
	return defaultRegistry
}
