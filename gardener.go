package quadrepair

import (
	"fmt"
	"math"
)

// Gardener drives the growth of one cavity at a time over a fixed mesh.
// It owns the whole-mesh valence and boundary tables, the per-cavity
// bookkeeping (in-cavity valences, singularity partition, irregular set)
// and the best remeshable snapshot seen during growth. A Gardener stays
// valid as long as the underlying mesh is not rebuilt.
type Gardener struct {
	m          *Mesh
	valence    []int
	onBoundary []bool
	remesher   CavityRemesher

	cav             *Cavity
	valenceInCavity []int
	targetSides     int
	singsInterior   map[VertexID]struct{}
	singsBoundary   map[VertexID]struct{}
	irregular       map[VertexID]struct{}

	// Best remeshable cavity seen while growing.
	best          *Cavity
	bestIrregular int
	bestScore     float64

	// Generation of the cavity when the last candidate list was computed.
	candGeneration uint64
}

// NewGardener computes the whole-mesh tables once. remesher is used as the
// remeshability prefilter during growth; it may be nil, in which case no
// snapshot is ever saved and GrowMaximal always reports failure.
func NewGardener(m *Mesh, remesher CavityRemesher) *Gardener {
	g := &Gardener{
		m:               m,
		valence:         make([]int, len(m.Vertices)),
		onBoundary:      make([]bool, len(m.Vertices)),
		valenceInCavity: make([]int, len(m.Vertices)),
		remesher:        remesher,
		bestScore:       math.Inf(1),
	}
	for f := range m.Faces {
		he := m.Faces[f].HalfEdge
		for k := 0; k < 4; k++ {
			v2 := m.Tip(he)
			g.valence[v2]++
			if m.Opposite(he) == None {
				g.onBoundary[m.Base(he)] = true
				g.onBoundary[v2] = true
			}
			he = m.Next(he)
		}
	}
	return g
}

// SetCavity rebinds the Gardener to a cavity and recomputes the per-cavity
// state from scratch.
func (g *Gardener) SetCavity(cav *Cavity) error {
	if cav.FaceCount() == 0 || len(cav.hes) == 0 {
		return ErrEmptyCavity
	}
	g.cav = cav
	g.best = nil
	g.bestIrregular = 0
	g.bestScore = math.Inf(1)
	g.candGeneration = 0
	g.recompute()
	switch cav.FaceCount() {
	case 3:
		g.targetSides = 3
	case 1, 4:
		g.targetSides = 4
	case 5:
		g.targetSides = 5
	default:
		g.targetSides = 0
	}
	return nil
}

// recompute rebuilds in-cavity valences, the singularity partition and the
// irregular set from the current cavity face set.
func (g *Gardener) recompute() {
	for i := range g.valenceInCavity {
		g.valenceInCavity[i] = 0
	}
	g.singsInterior = make(map[VertexID]struct{})
	g.singsBoundary = make(map[VertexID]struct{})
	g.irregular = make(map[VertexID]struct{})

	var sings []VertexID
	for _, f := range g.cav.Faces() {
		he := g.m.Faces[f].HalfEdge
		for k := 0; k < 4; k++ {
			v2 := g.m.Tip(he)
			g.valenceInCavity[v2]++
			switch {
			case g.m.Vertices[v2].Singular:
				sings = append(sings, v2)
			case g.onBoundary[v2] && g.valence[v2] != 2:
				g.irregular[v2] = struct{}{}
			case !g.onBoundary[v2] && g.valence[v2] != 4:
				g.irregular[v2] = struct{}{}
			}
			he = g.m.Next(he)
		}
	}
	// A singularity is interior only if all its faces are in the cavity.
	for _, v := range sings {
		if g.valenceInCavity[v] == g.valence[v] {
			g.singsInterior[v] = struct{}{}
		} else {
			g.singsBoundary[v] = struct{}{}
		}
	}
}

// markNewFace updates the per-cavity state after a face was flipped in.
// Returns ErrSingularityAbsorbed if the flip trapped a singularity inside,
// which the flip guards should have prevented.
func (g *Gardener) markNewFace(f FaceID) error {
	he := g.m.Faces[f].HalfEdge
	for k := 0; k < 4; k++ {
		v2 := g.m.Tip(he)
		g.valenceInCavity[v2]++
		switch {
		case g.m.Vertices[v2].Singular:
			if g.valenceInCavity[v2] == g.valence[v2] {
				return fmt.Errorf("vertex %d: %w", v2, ErrSingularityAbsorbed)
			}
			g.singsBoundary[v2] = struct{}{}
		case g.onBoundary[v2] && g.valence[v2] != 2:
			g.irregular[v2] = struct{}{}
		case !g.onBoundary[v2] && g.valence[v2] != 4:
			g.irregular[v2] = struct{}{}
		}
		he = g.m.Next(he)
	}
	return nil
}

// IsConvex reports whether no interior boundary vertex of the cavity has
// exactly one face outside. Such a pinch vertex would stop the cavity from
// staying simply connected if growth continued around it.
func (g *Gardener) IsConvex() bool {
	if g.cav == nil {
		return false
	}
	for _, he := range g.cav.hes {
		v := g.m.Tip(he)
		valOutside := g.valence[v] - g.valenceInCavity[v]
		if !g.onBoundary[v] && valOutside == 1 {
			return false
		}
	}
	return true
}

// flipCandidates returns the boundary half-edges allowed to grow. Arcs of
// the boundary holding a protected vertex (a boundary singularity, or a
// CAD corner with non-ideal valence) are excluded up to the first vertex
// where the arc's deficit is resolved.
func (g *Gardener) flipCandidates() ([]HalfEdgeID, error) {
	cav := g.cav
	limits := make(map[VertexID]struct{}, len(g.singsBoundary))
	for v := range g.singsBoundary {
		limits[v] = struct{}{}
	}
	for v := range g.irregular {
		if g.onBoundary[v] && g.valence[v] > 2 && g.m.Vertices[v].Support == SupportCorner {
			limits[v] = struct{}{}
		}
	}

	var candidates []HalfEdgeID
	if len(limits) == 0 {
		for _, he := range cav.hes {
			if g.m.Opposite(he) != None {
				candidates = append(candidates, he)
			}
		}
		g.candGeneration = cav.generation
		return candidates, nil
	}

	forbidden := make(map[HalfEdgeID]struct{})
	for bs := range limits {
		iFwd, iBwd := -1, -1
		for i, he := range cav.hes {
			if g.m.Base(he) == bs {
				iFwd = i
			}
			if g.m.Tip(he) == bs {
				iBwd = i
			}
		}
		if iFwd < 0 || iBwd < 0 {
			return nil, fmt.Errorf("protected vertex %d not on cavity boundary: %w", bs, ErrCavityBoundary)
		}
		// Forbid the arc leaving bs until the deficit resolves, and the
		// arc arriving at bs likewise.
		for i := iFwd; ; i = (i + 1) % len(cav.hes) {
			he := cav.hes[i]
			forbidden[he] = struct{}{}
			v2 := g.m.Tip(he)
			if g.valence[v2]-g.valenceInCavity[v2] == 1 || g.valenceInCavity[v2] == 1 {
				break
			}
			if i == iBwd {
				break
			}
		}
		for i := iBwd; ; i = (i - 1 + len(cav.hes)) % len(cav.hes) {
			he := cav.hes[i]
			forbidden[he] = struct{}{}
			v1 := g.m.Base(he)
			if g.valence[v1]-g.valenceInCavity[v1] == 1 || g.valenceInCavity[v1] == 1 {
				break
			}
			if i == iFwd {
				break
			}
		}
	}
	for _, he := range cav.hes {
		if g.m.Opposite(he) == None {
			continue
		}
		if _, bad := forbidden[he]; !bad {
			candidates = append(candidates, he)
		}
	}
	g.candGeneration = cav.generation
	return candidates, nil
}

// Convexify flips in any face whose shared boundary vertex has exactly one
// face outside the cavity, until no such pinch remains. Terminates because
// each accepted flip strictly grows the face set on a finite mesh.
func (g *Gardener) Convexify() error {
	cav := g.cav
	for running := true; running; {
		running = false
		for i := 0; i < len(cav.hes); i++ {
			he := cav.hes[i]
			v1, v2 := g.m.Base(he), g.m.Tip(he)
			out1 := g.valence[v1] - g.valenceInCavity[v1]
			out2 := g.valence[v2] - g.valenceInCavity[v2]
			if (!g.onBoundary[v1] && out1 == 1) || (!g.onBoundary[v2] && out2 == 1) {
				res := cav.GrowByFlip(i, true)
				if res.Accepted() {
					if err := g.markNewFace(res.Face); err != nil {
						return err
					}
					running = true
					break
				}
			}
		}
	}
	return nil
}

// remeshabilityScore asks the pattern collaborator whether the cavity's
// current side signature is remeshable. Cavities with six or more sides are
// never remeshable.
func (g *Gardener) remeshabilityScore() (float64, bool) {
	if g.remesher == nil {
		return 0, false
	}
	counts := g.cav.SideVertexCounts()
	if len(counts) == 0 || len(counts) >= 6 {
		return 0, false
	}
	return g.remesher.Evaluate(counts)
}

// GrowMaximal grows the cavity as far as the flip and convexity constraints
// allow, snapshotting the best remeshable state seen, and finally restores
// the cavity to that snapshot. Reports false if no remeshable cavity was
// ever found. A structural failure (singularity absorbed during convexify)
// is returned as an error and leaves the cavity in its last grown state.
func (g *Gardener) GrowMaximal() (bool, error) {
	if g.cav == nil {
		return false, ErrEmptyCavity
	}
	cav := g.cav
	for running := true; running; {
		running = false
		candidates, err := g.flipCandidates()
		if err != nil {
			break
		}
		for _, he := range candidates {
			if cav.generation != g.candGeneration {
				break // stale candidate list, recompute
			}
			pos := cav.indexOf(he)
			if pos < 0 {
				continue
			}
			res := cav.GrowByFlip(pos, true)
			if !res.Accepted() {
				continue
			}
			if err := g.markNewFace(res.Face); err != nil {
				return false, err
			}
			running = true
			if err := g.Convexify(); err != nil {
				return false, err
			}
			break
		}
		if !running {
			break
		}
		if !g.IsConvex() {
			break
		}
		if len(g.irregular) <= g.bestIrregular {
			continue
		}
		if nsides := cav.UpdateSides(); nsides != g.targetSides {
			continue
		}
		// Count irregular vertices that are not mere cavity corners, and
		// the irregularity the cavity would keep if left as is.
		current := 0.0
		nbiInner := 0
		for v := range g.irregular {
			valIn := cav.valenceInside(v)
			if valIn <= 2 {
				continue
			}
			nbiInner++
			current += float64((valIn - 4) * (valIn - 4))
		}
		if nbiInner == 0 {
			continue // all irregular vertices are corners, nothing to gain
		}
		for v := range g.singsInterior {
			valIn := cav.valenceInside(v)
			current += float64((valIn - 4) * (valIn - 4))
		}
		score, remeshable := g.remeshabilityScore()
		if remeshable && score <= g.bestScore && score < current {
			g.best = cav.Clone()
			g.bestIrregular = len(g.irregular)
			g.bestScore = score
		}
	}

	if g.best == nil {
		return false, nil
	}
	if cav.FaceCount() == len(g.m.Faces) && g.bestIrregular == g.targetSides {
		// The cavity swallowed the whole patch and the only irregular
		// vertices are its corners; remeshing would change nothing.
		return false, nil
	}
	cav.restoreFrom(g.best)
	g.recompute()
	return true, nil
}
