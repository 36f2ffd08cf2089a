package quadrepair

import (
	"gonum.org/v1/gonum/spatial/r3"
)

// ValenceRange bounds the number of quads a ring vertex may receive in a
// replacement patch. A range with Min == Max pins the valence exactly.
type ValenceRange struct {
	Min, Max int
}

// Patch is a replacement quadrangulation for a cavity. Quads index the
// concatenation of the cavity ring (in boundary order) followed by
// NewVertices; NewIrregular flags which new vertices are irregular in the
// patch. The patch's winding may disagree with the ring, ApplyPatch
// detects and corrects that.
type Patch struct {
	NewVertices  []r3.Vec
	NewIrregular []bool
	Quads        [][4]int
}

// A DiskQuadrangulator produces a patch for a small disk-shaped cavity
// given only its ring. ideal holds the preferred valence of each ring
// vertex inside the patch and allowed the hard bounds; implementations
// report false when no admissible patch exists.
type DiskQuadrangulator interface {
	RemeshRing(ring []r3.Vec, ideal []int, allowed []ValenceRange) (*Patch, bool)
}

// A CavityRemesher evaluates and remeshes larger cavities described by
// their sides. Evaluate is the cheap prefilter used during growth: given
// the per-side vertex counts (each side includes both of its corners) it
// returns a score, lower is better, and whether any pattern applies at
// all. RemeshSides produces the patch for an accepted cavity; the patch's
// ring is the concatenation of the sides with each side's last vertex
// dropped (it reappears as the next side's first).
type CavityRemesher interface {
	Evaluate(sideVertexCounts []int) (float64, bool)
	RemeshSides(sides [][]r3.Vec) (*Patch, bool)
}

// A Smoother relocates the free vertices of a surface to improve element
// shape. Implementations must not change connectivity.
type Smoother interface {
	Smooth(s *Surface, free []int, quads []int)
}

// A Projector pulls a point back onto the underlying geometry. The repair
// driver projects every vertex a patch creates before smoothing.
type Projector interface {
	Project(p r3.Vec) r3.Vec
}

// DiskPatterns is the built-in DiskQuadrangulator. It knows the handful of
// closed-form quadrangulations of rings with 4, 6 or 8 vertices (single
// quad, two- and three-quad splits, center fan), tries every rotation of
// each against the ring's valence constraints and returns the admissible
// candidate with the lowest irregularity energy.
type DiskPatterns struct{}

type diskPattern struct {
	ring      int
	extra     int // new vertices, placed at the ring centroid
	irregular []bool
	quads     [][4]int
}

var diskPatterns = []diskPattern{
	{ring: 4, quads: [][4]int{{0, 1, 2, 3}}},
	{ring: 6, quads: [][4]int{{0, 1, 2, 3}, {0, 3, 4, 5}}},
	{ring: 6, extra: 1, irregular: []bool{true}, quads: [][4]int{
		{0, 1, 6, 5}, {1, 2, 3, 6}, {6, 3, 4, 5},
	}},
	{ring: 8, extra: 1, irregular: []bool{false}, quads: [][4]int{
		{0, 1, 2, 8}, {2, 3, 4, 8}, {4, 5, 6, 8}, {6, 7, 0, 8},
	}},
	{ring: 8, quads: [][4]int{{0, 1, 2, 7}, {2, 3, 6, 7}, {3, 4, 5, 6}}},
}

func (DiskPatterns) RemeshRing(ring []r3.Vec, ideal []int, allowed []ValenceRange) (*Patch, bool) {
	n := len(ring)
	var best *Patch
	bestEnergy := 0.0
	for _, pat := range diskPatterns {
		if pat.ring != n {
			continue
		}
		for off := 0; off < n; off++ {
			ringVal := make([]int, n)
			insideVal := make([]int, pat.extra)
			quads := make([][4]int, len(pat.quads))
			for qi, q := range pat.quads {
				for k, idx := range q {
					if idx < pat.ring {
						idx = (idx + off) % n
						ringVal[idx]++
					} else {
						idx = n + (idx - pat.ring)
						insideVal[idx-n]++
					}
					quads[qi][k] = idx
				}
			}
			admissible := true
			for i, val := range ringVal {
				if val < allowed[i].Min || val > allowed[i].Max {
					admissible = false
					break
				}
			}
			if !admissible {
				continue
			}
			e := patchEnergy(ideal, allowed, ringVal, insideVal)
			if best == nil || e < bestEnergy {
				bestEnergy = e
				best = &Patch{Quads: quads}
				if pat.extra > 0 {
					var c r3.Vec
					for _, p := range ring {
						c = r3.Add(c, p)
					}
					c = r3.Scale(1/float64(n), c)
					for k := 0; k < pat.extra; k++ {
						best.NewVertices = append(best.NewVertices, c)
						best.NewIrregular = append(best.NewIrregular, pat.irregular[k])
					}
				}
			}
		}
	}
	return best, best != nil
}

// GridPatterns is the built-in CavityRemesher. It handles exactly the
// four-sided cavities whose opposite sides carry equal vertex counts and
// fills them with a transfinite grid, which introduces no irregular
// vertex. Anything else is left to an external pattern library.
type GridPatterns struct{}

func (GridPatterns) Evaluate(sideVertexCounts []int) (float64, bool) {
	if len(sideVertexCounts) != 4 {
		return 0, false
	}
	if sideVertexCounts[0] != sideVertexCounts[2] || sideVertexCounts[1] != sideVertexCounts[3] {
		return 0, false
	}
	if sideVertexCounts[0] < 2 || sideVertexCounts[1] < 2 {
		return 0, false
	}
	return 0, true
}

func (GridPatterns) RemeshSides(sides [][]r3.Vec) (*Patch, bool) {
	if len(sides) != 4 {
		return nil, false
	}
	nu := len(sides[0]) - 1
	nv := len(sides[1]) - 1
	if nu < 1 || nv < 1 || len(sides[2]) != nu+1 || len(sides[3]) != nv+1 {
		return nil, false
	}

	// Grid coordinates (i,j) with i in [0,nu], j in [0,nv]. The ring is
	// sides flattened with shared corners dropped: bottom, right, top
	// (reversed), left (reversed).
	ringLen := 2 * (nu + nv)
	index := func(i, j int) int {
		switch {
		case j == 0:
			return i
		case i == nu:
			return nu + j
		case j == nv:
			return nu + nv + (nu - i)
		case i == 0:
			return 2*nu + nv + (nv - j)
		}
		return ringLen + (j-1)*(nu-1) + (i - 1)
	}
	at := func(i, j int) r3.Vec {
		switch {
		case j == 0:
			return sides[0][i]
		case i == nu:
			return sides[1][j]
		case j == nv:
			return sides[2][nu-i]
		case i == 0:
			return sides[3][nv-j]
		}
		// Transfinite interpolation from the four sides.
		u := float64(i) / float64(nu)
		v := float64(j) / float64(nv)
		p := r3.Add(r3.Scale(1-v, sides[0][i]), r3.Scale(v, sides[2][nu-i]))
		p = r3.Add(p, r3.Add(r3.Scale(1-u, sides[3][nv-j]), r3.Scale(u, sides[1][j])))
		c := r3.Add(r3.Scale((1-u)*(1-v), sides[0][0]), r3.Scale(u*(1-v), sides[0][nu]))
		c = r3.Add(c, r3.Add(r3.Scale(u*v, sides[1][nv]), r3.Scale((1-u)*v, sides[2][nu])))
		return r3.Sub(p, c)
	}

	p := &Patch{}
	for j := 1; j < nv; j++ {
		for i := 1; i < nu; i++ {
			p.NewVertices = append(p.NewVertices, at(i, j))
			p.NewIrregular = append(p.NewIrregular, false)
		}
	}
	for j := 0; j < nv; j++ {
		for i := 0; i < nu; i++ {
			p.Quads = append(p.Quads, [4]int{
				index(i, j), index(i+1, j), index(i+1, j+1), index(i, j+1),
			})
		}
	}
	return p, true
}
