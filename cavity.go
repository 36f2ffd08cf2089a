package quadrepair

import "fmt"

// FlipStatus classifies the outcome of a growth flip.
type FlipStatus int

const (
	// FlipAccepted means the face was moved into the cavity.
	FlipAccepted FlipStatus = iota

	// FlipRejectedBoundary means the half-edge lies on the mesh boundary,
	// there is no face to pull in.
	FlipRejectedBoundary

	// FlipRejectedSingularity means the flip would absorb a protected
	// singular vertex.
	FlipRejectedSingularity

	// FlipRejectedNonManifold means the flip would create a non-manifold
	// cavity boundary vertex.
	FlipRejectedNonManifold

	// FlipRejectedUnsupported means the neighbor-inside configuration has no
	// valid boundary rewrite.
	FlipRejectedUnsupported
)

// FlipResult reports a growth flip. Face is set only when accepted.
type FlipResult struct {
	Status FlipStatus
	Face   FaceID
}

// Accepted reports whether the flip went through.
func (r FlipResult) Accepted() bool { return r.Status == FlipAccepted }

// Cavity is a connected, growable set of faces with an ordered boundary
// loop. The boundary half-edges belong to faces inside the cavity and are
// listed tip-to-base around the loop; side assigns each boundary half-edge
// to a side, valid after the last UpdateSides call.
type Cavity struct {
	m     *Mesh
	hes   []HalfEdgeID
	side  []int
	faces map[FaceID]struct{}

	// generation increments on every accepted flip and restore, so holders
	// of derived data (candidate lists, snapshots) can detect staleness.
	generation uint64
}

// InitCavity builds a cavity from seed faces: the seeds' half-edges minus
// interior pairs, ordered into one closed walk. Fails with ErrEmptyCavity or
// ErrCavityBoundary.
func InitCavity(m *Mesh, seeds []FaceID) (*Cavity, error) {
	if len(seeds) == 0 {
		return nil, ErrEmptyCavity
	}
	c := &Cavity{m: m, faces: make(map[FaceID]struct{}, len(seeds))}
	var stack []HalfEdgeID
	for _, f := range seeds {
		if _, dup := c.faces[f]; dup {
			continue
		}
		c.faces[f] = struct{}{}
		he := m.Faces[f].HalfEdge
		for k := 0; k < 4; k++ {
			stack = append(stack, he)
			he = m.Next(he)
		}
	}
	stack = removeInteriorHalfEdges(m, stack)
	ordered, err := orderedHalfEdgesFromStack(m, stack)
	if err != nil {
		return nil, err
	}
	c.hes = ordered
	if c.UpdateSides() <= 0 {
		return nil, fmt.Errorf("seed cavity has no corner: %w", ErrCavityBoundary)
	}
	c.generation++
	return c, nil
}

// removeInteriorHalfEdges drops every half-edge whose opposite is also in
// the set; what remains is the boundary of the face set.
func removeInteriorHalfEdges(m *Mesh, hes []HalfEdgeID) []HalfEdgeID {
	in := make(map[HalfEdgeID]bool, len(hes))
	for _, he := range hes {
		in[he] = true
	}
	out := hes[:0]
	for _, he := range hes {
		if op := m.Opposite(he); op != None && in[op] {
			continue
		}
		out = append(out, he)
	}
	return out
}

// orderedHalfEdgesFromStack chains boundary half-edges into one closed walk
// by repeatedly finding the half-edge starting at the current tip.
func orderedHalfEdgesFromStack(m *Mesh, stack []HalfEdgeID) ([]HalfEdgeID, error) {
	if len(stack) < 3 {
		return nil, fmt.Errorf("%d boundary half-edges: %w", len(stack), ErrCavityBoundary)
	}
	byBase := make(map[VertexID]HalfEdgeID, len(stack))
	for _, he := range stack {
		b := m.Base(he)
		if _, dup := byBase[b]; dup {
			return nil, fmt.Errorf("vertex %d starts two boundary half-edges: %w", b, ErrCavityBoundary)
		}
		byBase[b] = he
	}
	ordered := make([]HalfEdgeID, 0, len(stack))
	he := stack[0]
	for {
		ordered = append(ordered, he)
		next, ok := byBase[m.Tip(he)]
		if !ok {
			return nil, fmt.Errorf("walk breaks at vertex %d: %w", m.Tip(he), ErrCavityBoundary)
		}
		if next == stack[0] {
			break
		}
		if len(ordered) > len(stack) {
			return nil, ErrCavityBoundary
		}
		he = next
	}
	if len(ordered) != len(stack) {
		return nil, fmt.Errorf("boundary is not a single walk: %w", ErrCavityBoundary)
	}
	return ordered, nil
}

// Mesh returns the underlying half-edge mesh.
func (c *Cavity) Mesh() *Mesh { return c.m }

// Boundary returns the ordered boundary half-edges. The slice is owned by
// the cavity.
func (c *Cavity) Boundary() []HalfEdgeID { return c.hes }

// Sides returns the side assignment parallel to Boundary, valid after the
// last UpdateSides call.
func (c *Cavity) Sides() []int { return c.side }

// FaceCount returns the number of faces inside the cavity.
func (c *Cavity) FaceCount() int { return len(c.faces) }

// Contains reports whether a face is inside the cavity.
func (c *Cavity) Contains(f FaceID) bool {
	_, ok := c.faces[f]
	return ok
}

// Faces returns the faces inside the cavity, in unspecified order.
func (c *Cavity) Faces() []FaceID {
	out := make([]FaceID, 0, len(c.faces))
	for f := range c.faces {
		out = append(out, f)
	}
	return out
}

// Generation returns the cavity's mutation counter.
func (c *Cavity) Generation() uint64 { return c.generation }

// Clone snapshots the cavity.
func (c *Cavity) Clone() *Cavity {
	n := &Cavity{
		m:          c.m,
		hes:        append([]HalfEdgeID(nil), c.hes...),
		side:       append([]int(nil), c.side...),
		faces:      make(map[FaceID]struct{}, len(c.faces)),
		generation: c.generation,
	}
	for f := range c.faces {
		n.faces[f] = struct{}{}
	}
	return n
}

// restoreFrom rolls the cavity back to a snapshot taken with Clone.
func (c *Cavity) restoreFrom(snap *Cavity) {
	c.hes = append(c.hes[:0], snap.hes...)
	c.side = append(c.side[:0], snap.side...)
	c.faces = make(map[FaceID]struct{}, len(snap.faces))
	for f := range snap.faces {
		c.faces[f] = struct{}{}
	}
	c.generation++
}

// valenceInside counts the faces around v that are inside the cavity.
func (c *Cavity) valenceInside(v VertexID) int {
	n := 0
	for _, f := range c.m.VertexFaces(v) {
		if c.Contains(f) {
			n++
		}
	}
	return n
}

// valenceOutside counts the faces around v outside the cavity.
func (c *Cavity) valenceOutside(v VertexID) int {
	n := 0
	for _, f := range c.m.VertexFaces(v) {
		if !c.Contains(f) {
			n++
		}
	}
	return n
}

// indexOf returns the boundary position of he, or -1.
func (c *Cavity) indexOf(he HalfEdgeID) int {
	for i, h := range c.hes {
		if h == he {
			return i
		}
	}
	return -1
}

// removeBoundary drops the given half-edges from the boundary, preserving
// order.
func (c *Cavity) removeBoundary(drop ...HalfEdgeID) {
	del := make(map[HalfEdgeID]bool, len(drop))
	for _, he := range drop {
		del[he] = true
	}
	out := c.hes[:0]
	for _, he := range c.hes {
		if !del[he] {
			out = append(out, he)
		}
	}
	c.hes = out
}

// GrowByFlip attempts to pull the face across boundary half-edge i into the
// cavity. The rewrite of the boundary loop depends on how many of the
// face's other three neighbors are already inside. Every rejection leaves
// the cavity unchanged. protectSingular enables the singularity guards; the
// Gardener always sets it.
func (c *Cavity) GrowByFlip(i int, protectSingular bool) FlipResult {
	if i < 0 || i >= len(c.hes) {
		return FlipResult{Status: FlipRejectedBoundary}
	}
	m := c.m
	he0op := c.hes[i]
	he0 := m.Opposite(he0op)
	if he0 == None {
		return FlipResult{Status: FlipRejectedBoundary}
	}
	nq := m.FaceOf(he0)
	he1 := m.Next(he0)
	he2 := m.Next(he1)
	he3 := m.Next(he2)
	he1op, he2op, he3op := m.Opposite(he1), m.Opposite(he2), m.Opposite(he3)
	faceIn := func(op HalfEdgeID) bool {
		return op != None && c.Contains(m.FaceOf(op))
	}
	q1in, q2in, q3in := faceIn(he1op), faceIn(he2op), faceIn(he3op)
	n := len(c.hes)

	singular := func(vs ...VertexID) bool {
		if !protectSingular {
			return false
		}
		for _, v := range vs {
			if m.Vertices[v].Singular {
				return true
			}
		}
		return false
	}

	switch {
	case q1in && q2in && !q3in:
		// Minus two boundary vertices: he1's endpoints are absorbed.
		if singular(m.Base(he1), m.Tip(he1)) {
			return FlipResult{Status: FlipRejectedSingularity}
		}
		c.hes[(i+n-2)%n] = he3
		c.removeBoundary(he0op, he1op)

	case q1in && !q2in && q3in:
		// Minus two boundary vertices: he0op's endpoints are absorbed.
		if singular(m.Base(he0op), m.Tip(he0op)) {
			return FlipResult{Status: FlipRejectedSingularity}
		}
		c.hes[(i+n-1)%n] = he2
		c.removeBoundary(he0op, he3op)

	case !q1in && q2in && q3in:
		// Minus two boundary vertices: he3's endpoints are absorbed.
		if singular(m.Base(he3), m.Tip(he3)) {
			return FlipResult{Status: FlipRejectedSingularity}
		}
		c.hes[i] = he1
		c.removeBoundary(he2op, he3op)

	case q1in && q2in && q3in:
		// Closing the last hole: all four corners become interior.
		vs := m.FaceVertices(nq)
		if singular(vs[0], vs[1], vs[2], vs[3]) {
			return FlipResult{Status: FlipRejectedSingularity}
		}
		scratch := make([]HalfEdgeID, 0, len(c.hes))
		for _, he := range c.hes {
			if he != he0op && he != he1op && he != he2op && he != he3op {
				scratch = append(scratch, he)
			}
		}
		ordered, err := orderedHalfEdgesFromStack(m, scratch)
		if err != nil {
			return FlipResult{Status: FlipRejectedNonManifold}
		}
		c.hes = ordered

	case q1in && !q2in && !q3in:
		// Same boundary vertex count, route through he2 and he3.
		if c.valenceInside(m.Tip(he2)) > 0 {
			return FlipResult{Status: FlipRejectedNonManifold}
		}
		if singular(m.Tip(he0)) {
			return FlipResult{Status: FlipRejectedSingularity}
		}
		c.hes[(i+n-1)%n] = he2
		c.hes[i] = he3

	case !q1in && !q2in && q3in:
		// Same boundary vertex count, route through he1 and he2.
		if c.valenceInside(m.Tip(he1)) > 0 {
			return FlipResult{Status: FlipRejectedNonManifold}
		}
		if singular(m.Tip(he0op)) {
			return FlipResult{Status: FlipRejectedSingularity}
		}
		c.hes[i] = he1
		c.hes[(i+1)%n] = he2

	case !q1in && !q2in && !q3in:
		// Plus two boundary vertices.
		if c.valenceInside(m.Tip(he1)) > 0 || c.valenceInside(m.Tip(he2)) > 0 {
			return FlipResult{Status: FlipRejectedNonManifold}
		}
		if protectSingular {
			// A singularity left with only two faces outside would sit in a
			// concave corner of the cavity.
			for _, v := range []VertexID{m.Base(he0), m.Tip(he0)} {
				if m.Vertices[v].Singular && c.valenceOutside(v) == 2 {
					return FlipResult{Status: FlipRejectedSingularity}
				}
			}
		}
		c.hes[i] = he1
		rest := append([]HalfEdgeID{he2, he3}, c.hes[i+1:]...)
		c.hes = append(c.hes[:i+1], rest...)

	default:
		return FlipResult{Status: FlipRejectedUnsupported}
	}

	c.faces[nq] = struct{}{}
	c.generation++
	return FlipResult{Status: FlipAccepted, Face: nq}
}

// UpdateSides recomputes the side partition of the boundary. A corner is a
// vertex touched by exactly one cavity face; the side index increments at
// every corner crossed. Returns the side count, 0 when the boundary has no
// corner (closed or annular cavity).
func (c *Cavity) UpdateSides() int {
	touches := make(map[VertexID]int)
	for f := range c.faces {
		he := c.m.Faces[f].HalfEdge
		for k := 0; k < 4; k++ {
			touches[c.m.Tip(he)]++
			he = c.m.Next(he)
		}
	}
	c.side = make([]int, len(c.hes))
	start := -1
	for i, he := range c.hes {
		if touches[c.m.Base(he)] == 1 {
			start = i
			break
		}
	}
	if start < 0 {
		return 0
	}
	sideNo := -1
	for j := 0; j < len(c.hes); j++ {
		pos := (start + j) % len(c.hes)
		if touches[c.m.Base(c.hes[pos])] == 1 {
			sideNo++
		}
		c.side[pos] = sideNo
	}
	return sideNo + 1
}

// BoundaryVertices returns the vertex walk of the boundary, one vertex per
// half-edge (the base of each, in order).
func (c *Cavity) BoundaryVertices() []VertexID {
	out := make([]VertexID, len(c.hes))
	for i, he := range c.hes {
		out[i] = c.m.Base(he)
	}
	return out
}

// SideVertexCounts returns the number of boundary vertices on each side,
// endpoints included. Valid after UpdateSides.
func (c *Cavity) SideVertexCounts() []int {
	var counts []int
	for _, s := range c.side {
		if s >= len(counts) {
			counts = append(counts, make([]int, s+1-len(counts))...)
		}
		counts[s]++
	}
	for i := range counts {
		counts[i]++ // edges to points
	}
	return counts
}

// SideVertices returns each side's ordered vertex run, endpoints included.
// Valid after UpdateSides. For a cavity with no corners the whole loop is
// one side.
func (c *Cavity) SideVertices() [][]VertexID {
	if len(c.hes) == 0 {
		return nil
	}
	start := 0
	for i := range c.hes {
		prev := (i + len(c.hes) - 1) % len(c.hes)
		if c.side[i] != c.side[prev] {
			start = i
			break
		}
	}
	var sides [][]VertexID
	for j := 0; j < len(c.hes); j++ {
		pos := (start + j) % len(c.hes)
		he := c.hes[pos]
		s := c.side[pos]
		for s >= len(sides) {
			sides = append(sides, nil)
		}
		if len(sides[s]) == 0 {
			sides[s] = append(sides[s], c.m.Base(he))
		}
		sides[s] = append(sides[s], c.m.Tip(he))
	}
	return sides
}
