// Package quadrepair implements the topology-repair core of a quadrilateral
// surface-mesh generator: a half-edge mesh representation, growable cavities
// with ordered boundary loops, and a defect-repair driver that replaces
// irregular neighborhoods with patches from an external pattern library.
package quadrepair

import "errors"

// Structural errors. These abort the current repair attempt and leave the
// surface untouched.
var (
	// ErrNonManifold indicates that three or more quad edges share the same
	// vertex pair, so no half-edge structure exists for the input.
	ErrNonManifold = errors.New("non-manifold quad mesh")

	// ErrCavityBoundary indicates that the boundary half-edges of a cavity do
	// not form exactly one simple closed walk.
	ErrCavityBoundary = errors.New("cavity boundary is not a single closed walk")

	// ErrEmptyCavity indicates a cavity was initialized with no seed faces.
	ErrEmptyCavity = errors.New("cavity needs at least one seed face")

	// ErrSingularityAbsorbed indicates that cavity growth trapped a protected
	// singular vertex strictly inside the cavity.
	ErrSingularityAbsorbed = errors.New("singularity absorbed into cavity interior")

	// ErrOpenRing indicates that the quads around a vertex do not close into
	// a single boundary loop.
	ErrOpenRing = errors.New("one-ring boundary does not close")
)

// Patch errors. Returned when a replacement proposed by the pattern library
// cannot be spliced into the surface.
var (
	// ErrPatchIndex indicates a patch quad references a vertex outside the
	// boundary ring and the patch's own new vertices.
	ErrPatchIndex = errors.New("patch references unknown vertex")

	// ErrPatchOrientation indicates the patch shares no edge with the cavity
	// boundary, so its orientation cannot be determined.
	ErrPatchOrientation = errors.New("patch orientation cannot be determined")
)

// Driver errors.
var (
	// ErrNoDiskQuadrangulator indicates RepairDefects was called without a
	// disk quadrangulation collaborator.
	ErrNoDiskQuadrangulator = errors.New("no disk quadrangulator configured")

	// ErrNoCavityRemesher indicates RepairCavities was called without a
	// cavity remesher collaborator.
	ErrNoCavityRemesher = errors.New("no cavity remesher configured")
)
