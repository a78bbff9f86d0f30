// Package geom provides the planar geometry used by the conflation stages.
//
// Stored geometry is WGS84 lon/lat. Each path is processed in its own local
// equirectangular frame whose units are kilometres, which keeps lengths,
// sections and buffer distances directly comparable. All functions here take
// and return orb types in that planar frame unless stated otherwise.
package geom
