package quadrepair

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

// Support classifies the geometric entity a vertex lies on. It determines
// the vertex's ideal quad valence and whether repairs may move it.
type Support int

const (
	// SupportCorner is a CAD corner vertex. Ideal valence depends on the
	// angle subtended by the incident quads.
	SupportCorner Support = iota + 1

	// SupportCurve is a vertex on a boundary curve. Ideal valence 2.
	SupportCurve

	// SupportSurface is a vertex in the interior of the patch. Ideal
	// valence 4.
	SupportSurface
)

// SurfaceVertex is one vertex of the editable quad mesh.
type SurfaceVertex struct {
	Position r3.Vec
	Support  Support
	Deleted  bool
}

// Quad is one quadrilateral element, four vertex indices in winding order.
type Quad struct {
	V       [4]int
	Deleted bool
}

// Surface is the editable quad mesh of one surface patch. Vertices and quads
// live in append-only arenas; removals set a tombstone so that indices held
// by queues and half-edge meshes stay valid until the next rebuild.
type Surface struct {
	Vertices []SurfaceVertex
	Quads    []Quad
}

// NewSurface returns an empty surface patch.
func NewSurface() *Surface {
	return &Surface{}
}

// AddVertex appends a vertex and returns its index.
func (s *Surface) AddVertex(p r3.Vec, sup Support) int {
	s.Vertices = append(s.Vertices, SurfaceVertex{Position: p, Support: sup})
	return len(s.Vertices) - 1
}

// AddQuad appends a quad and returns its index. Vertices are given in
// geometric winding order.
func (s *Surface) AddQuad(a, b, c, d int) int {
	s.Quads = append(s.Quads, Quad{V: [4]int{a, b, c, d}})
	return len(s.Quads) - 1
}

// RemoveQuad tombstones a quad.
func (s *Surface) RemoveQuad(q int) {
	s.Quads[q].Deleted = true
}

// RemoveVertex tombstones a vertex.
func (s *Surface) RemoveVertex(v int) {
	s.Vertices[v].Deleted = true
}

// AliveQuadCount counts quads that have not been removed.
func (s *Surface) AliveQuadCount() int {
	n := 0
	for i := range s.Quads {
		if !s.Quads[i].Deleted {
			n++
		}
	}
	return n
}

// Adjacency maps every vertex to the alive quads touching it.
func (s *Surface) Adjacency() map[int][]int {
	adj := make(map[int][]int)
	for qi := range s.Quads {
		if s.Quads[qi].Deleted {
			continue
		}
		for _, v := range s.Quads[qi].V {
			adj[v] = append(adj[v], qi)
		}
	}
	return adj
}

func angleBetween(u, v r3.Vec) float64 {
	nu := r3.Norm(u)
	nv := r3.Norm(v)
	if nu == 0 || nv == 0 {
		return 0
	}
	c := r3.Dot(u, v) / (nu * nv)
	if c > 1 {
		c = 1
	} else if c < -1 {
		c = -1
	}
	return math.Acos(c)
}

// CornerAngles sums, for each corner and curve vertex, the quad corner
// angles subtended at it. The sum drives the ideal valence of CAD corners.
func (s *Surface) CornerAngles() map[int]float64 {
	angles := make(map[int]float64)
	for qi := range s.Quads {
		q := &s.Quads[qi]
		if q.Deleted {
			continue
		}
		for lv := 0; lv < 4; lv++ {
			v := q.V[lv]
			if s.Vertices[v].Support == SupportSurface {
				continue
			}
			prev := s.Vertices[q.V[(lv+3)%4]].Position
			next := s.Vertices[q.V[(lv+1)%4]].Position
			cur := s.Vertices[v].Position
			angles[v] += angleBetween(r3.Sub(next, cur), r3.Sub(prev, cur))
		}
	}
	return angles
}

// IdealValence returns the target quad valence of a vertex: 4 in the surface
// interior, 2 on a curve, and 1 to 4 at a corner depending on the subtended
// angle.
func (s *Surface) IdealValence(v int, angles map[int]float64) int {
	switch s.Vertices[v].Support {
	case SupportCurve:
		return 2
	case SupportCorner:
		a, ok := angles[v]
		if !ok {
			return 4
		}
		ival := int(math.Round(4 * a / (2 * math.Pi)))
		if ival < 1 {
			ival = 1
		} else if ival > 4 {
			ival = 4
		}
		return ival
	default:
		return 4
	}
}

// BuildBoundary orders the boundary edges of a quad set into one closed
// vertex ring, oriented like the quads' winding. Returns ErrOpenRing if the
// boundary does not chain into a single loop.
func (s *Surface) BuildBoundary(quads []int) ([]int, error) {
	// Directed edges seen once are on the boundary.
	directed := make(map[[2]int]bool)
	for _, qi := range quads {
		q := &s.Quads[qi]
		for lv := 0; lv < 4; lv++ {
			a, b := q.V[lv], q.V[(lv+1)%4]
			directed[[2]int{a, b}] = true
		}
	}
	next := make(map[int]int)
	var start int
	found := false
	for e := range directed {
		if directed[[2]int{e[1], e[0]}] {
			continue // interior edge
		}
		if _, dup := next[e[0]]; dup {
			return nil, fmt.Errorf("boundary splits at vertex %d: %w", e[0], ErrOpenRing)
		}
		next[e[0]] = e[1]
		if !found {
			start, found = e[0], true
		}
	}
	if !found {
		return nil, ErrOpenRing
	}
	ring := make([]int, 0, len(next))
	v := start
	for {
		ring = append(ring, v)
		nv, ok := next[v]
		if !ok {
			return nil, fmt.Errorf("boundary breaks at vertex %d: %w", v, ErrOpenRing)
		}
		if nv == start {
			break
		}
		if len(ring) > len(next) {
			return nil, ErrOpenRing
		}
		v = nv
	}
	if len(ring) != len(next) {
		return nil, fmt.Errorf("boundary has more than one loop: %w", ErrOpenRing)
	}
	return ring, nil
}

// InteriorVertices lists the vertices of a quad set that are not on the
// given boundary ring.
func (s *Surface) InteriorVertices(quads []int, ring []int) []int {
	onRing := make(map[int]bool, len(ring))
	for _, v := range ring {
		onRing[v] = true
	}
	seen := make(map[int]bool)
	var inside []int
	for _, qi := range quads {
		for _, v := range s.Quads[qi].V {
			if !onRing[v] && !seen[v] {
				seen[v] = true
				inside = append(inside, v)
			}
		}
	}
	return inside
}

// ApplyPatch commits a replacement: the old quads and strictly-interior
// vertices are tombstoned, the patch's vertices and quads spliced in. Patch
// quads index the concatenation of ring and the patch's new vertices. The
// patch is reoriented to match the ring if its winding is inverted.
// Returns the indices of the created vertices and quads.
func (s *Surface) ApplyPatch(ring []int, interior []int, oldQuads []int, p *Patch) ([]int, []int, error) {
	n := len(ring)
	for _, q := range p.Quads {
		for _, idx := range q {
			if idx < 0 || idx >= n+len(p.NewVertices) {
				return nil, nil, fmt.Errorf("index %d of %d: %w", idx, n+len(p.NewVertices), ErrPatchIndex)
			}
		}
	}

	// Orientation: a patch quad adjacent to the ring must traverse the
	// shared edge in the ring direction.
	ringEdge := make(map[[2]int]bool, n)
	for i := 0; i < n; i++ {
		ringEdge[[2]int{ring[i], ring[(i+1)%n]}] = true
	}
	resolve := func(idx int) int {
		if idx < n {
			return ring[idx]
		}
		return -1 // new vertex, not yet allocated
	}
	oriented, inverted := false, false
	for _, q := range p.Quads {
		for le := 0; le < 4 && !oriented; le++ {
			a, b := resolve(q[le]), resolve(q[(le+1)%4])
			if a < 0 || b < 0 {
				continue
			}
			if ringEdge[[2]int{a, b}] {
				oriented = true
			} else if ringEdge[[2]int{b, a}] {
				oriented, inverted = true, true
			}
		}
		if oriented {
			break
		}
	}
	if !oriented {
		return nil, nil, ErrPatchOrientation
	}

	newVerts := make([]int, len(p.NewVertices))
	for i, pos := range p.NewVertices {
		newVerts[i] = s.AddVertex(pos, SupportSurface)
	}
	newQuads := make([]int, 0, len(p.Quads))
	for _, q := range p.Quads {
		ids := [4]int{}
		for le := 0; le < 4; le++ {
			if q[le] < n {
				ids[le] = ring[q[le]]
			} else {
				ids[le] = newVerts[q[le]-n]
			}
		}
		if inverted {
			ids[1], ids[3] = ids[3], ids[1]
		}
		newQuads = append(newQuads, s.AddQuad(ids[0], ids[1], ids[2], ids[3]))
	}

	for _, qi := range oldQuads {
		s.RemoveQuad(qi)
	}
	for _, v := range interior {
		s.RemoveVertex(v)
	}
	return newVerts, newQuads, nil
}

// Check audits the surface for manifoldness: no edge may be shared by more
// than two quads, and every alive vertex must touch at least one quad.
func (s *Surface) Check() error {
	edgeVal := make(map[[2]int]int)
	touched := make(map[int]bool)
	for qi := range s.Quads {
		q := &s.Quads[qi]
		if q.Deleted {
			continue
		}
		for lv := 0; lv < 4; lv++ {
			a, b := q.V[lv], q.V[(lv+1)%4]
			if a > b {
				a, b = b, a
			}
			edgeVal[[2]int{a, b}]++
			touched[q.V[lv]] = true
		}
	}
	for e, c := range edgeVal {
		if c > 2 {
			return fmt.Errorf("edge (%d,%d) shared by %d quads: %w", e[0], e[1], c, ErrNonManifold)
		}
	}
	for v := range s.Vertices {
		if !s.Vertices[v].Deleted && !touched[v] {
			return fmt.Errorf("vertex %d has no adjacent quad: %w", v, ErrNonManifold)
		}
	}
	return nil
}
