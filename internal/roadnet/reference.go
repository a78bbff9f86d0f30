package roadnet

import (
	"github.com/paulmach/orb"
)

// RoadClass orders base references from motorway (0) down to service roads.
// Classes at or above RoadClassNonVehicle carry no motor traffic.
type RoadClass int

const (
	RoadClassMotorway RoadClass = iota
	RoadClassTrunk
	RoadClassPrimary
	RoadClassSecondary
	RoadClassTertiary
	RoadClassResidential
	RoadClassUnclassified
	RoadClassService
	RoadClassNonVehicle
)

// BaseReference is a directed segment of the base network between two
// intersections. A physical road (GeometryID) usually yields a forward and a
// backward reference with swapped intersections.
type BaseReference struct {
	ID                 string
	GeometryID         string
	FromIntersectionID string
	ToIntersectionID   string
	LengthKm           float64
	RoadClass          RoadClass
	Coords             orb.LineString
}

// IsVehicle reports whether the reference carries motor traffic.
func (r *BaseReference) IsVehicle() bool {
	return r.RoadClass < RoadClassNonVehicle
}

// WithCoords returns a shallow copy of r carrying a different geometry. Used
// to hand projected copies to the planar stages without touching the loaded
// record.
func (r *BaseReference) WithCoords(ls orb.LineString) *BaseReference {
	c := *r
	c.Coords = ls
	return &c
}

// Less is the deterministic order used to break ties between parallel
// references: shorter first, then lower road class, then id.
func (r *BaseReference) Less(o *BaseReference) bool {
	if r.LengthKm != o.LengthKm {
		return r.LengthKm < o.LengthKm
	}
	if r.RoadClass != o.RoadClass {
		return r.RoadClass < o.RoadClass
	}
	return r.ID < o.ID
}
