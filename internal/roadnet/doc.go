// Package roadnet holds the records shared by every conflation stage: base
// network references, target-map edges and paths, raw matches produced by the
// upstream matcher, and the chosen and assigned matches produced here.
//
// Lengths and sections are kilometres. Geometry is lon/lat as stored; the
// conflation stages reproject into a local planar frame (see internal/geom)
// before measuring anything.
package roadnet
