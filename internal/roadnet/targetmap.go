package roadnet

import (
	"github.com/paulmach/orb"
)

// TargetMap describes one dataset being conflated onto the base network.
type TargetMap struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	// IsCenterline is set when the map draws each road once as a
	// bidirectional centerline instead of two directional edges.
	IsCenterline bool `json:"is_centerline"`
}

// TargetMapEdge is one edge of a target-map route.
type TargetMapEdge struct {
	ID int64 `json:"id"`
	// TargetMapID is the source dataset's native key for the edge.
	TargetMapID    string         `json:"target_map_id,omitempty"`
	Coords         orb.LineString `json:"coords"`
	LengthKm       float64        `json:"length_km"`
	Unidirectional bool           `json:"unidirectional"`
}

// WithCoords returns a shallow copy of e with a different geometry.
func (e *TargetMapEdge) WithCoords(ls orb.LineString) *TargetMapEdge {
	c := *e
	c.Coords = ls
	return &c
}

// TargetMapPath is an ordered sequence of edges forming one route.
type TargetMapPath struct {
	ID        int64
	TargetMap string
	EdgeIDs   []int64
}
