package roadnet

import "fmt"

// Epsilon is the negligible section length, in kilometres, below which two
// intervals are considered touching rather than overlapping.
const Epsilon = 1e-5

// RawMatch is a fuzzy hypothesis from the upstream matcher that an edge
// corresponds to [SectionStart, SectionEnd] along a base reference.
type RawMatch struct {
	TargetMapEdgeID int64   `json:"edge_id"`
	BaseReferenceID string  `json:"base_reference_id"`
	SectionStart    float64 `json:"section_start"`
	SectionEnd      float64 `json:"section_end"`
	Confidence      float64 `json:"confidence"`
	// Assist marks matches produced with operator or rule assistance.
	Assist bool `json:"assist,omitempty"`
}

// Length returns the matched section length in kilometres.
func (m *RawMatch) Length() float64 {
	return m.SectionEnd - m.SectionStart
}

// ChosenMatch is a proposed, not yet final, assignment of a reference section
// to one edge of one path.
type ChosenMatch struct {
	TargetMapID     string  `json:"target_map"`
	TargetMapPathID int64   `json:"path_id"`
	PathEdgeIdx     int     `json:"path_edge_idx"`
	EdgeID          int64   `json:"edge_id"`
	IsForward       bool    `json:"is_forward"`
	BaseReferenceID string  `json:"base_reference_id"`
	SectionStart    float64 `json:"section_start"`
	SectionEnd      float64 `json:"section_end"`
	Axiomatic       bool    `json:"axiomatic"`
}

func (c ChosenMatch) String() string {
	return fmt.Sprintf("path=%d edge=%d fwd=%v ref=%s [%.5f,%.5f]",
		c.TargetMapPathID, c.EdgeID, c.IsForward, c.BaseReferenceID, c.SectionStart, c.SectionEnd)
}

// AssignedMatch is the durable conflation result: one per resolved section.
type AssignedMatch struct {
	BaseReferenceID string  `json:"base_reference_id"`
	TargetMapEdgeID int64   `json:"edge_id"`
	TargetMapPathID int64   `json:"path_id"`
	IsForward       bool    `json:"is_forward"`
	SectionStart    float64 `json:"section_start"`
	SectionEnd      float64 `json:"section_end"`
}

// Overlaps reports whether two intervals share more than Epsilon.
func Overlaps(aStart, aEnd, bStart, bEnd float64) bool {
	return aStart < bEnd-Epsilon && bStart < aEnd-Epsilon
}
