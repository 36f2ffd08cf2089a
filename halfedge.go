package quadrepair

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// VertexID indexes a vertex in a Mesh.
type VertexID int

// HalfEdgeID indexes a half-edge in a Mesh.
type HalfEdgeID int

// FaceID indexes a face in a Mesh.
type FaceID int

// None is the sentinel for a missing reference: a half-edge with Opposite ==
// None lies on the mesh boundary.
const None = -1

// HalfEdge is one directed side of a quad edge.
type HalfEdge struct {
	Prev     HalfEdgeID
	Next     HalfEdgeID
	Opposite HalfEdgeID
	Vertex   VertexID // vertex at the tip of the arrow
	Face     FaceID
}

// Vertex is a mesh vertex together with the repair metadata attached to it.
type Vertex struct {
	HalfEdge HalfEdgeID // one half-edge pointing at this vertex
	Position r3.Vec
	Singular bool // protected irregular vertex, must stay on cavity boundaries
	Support  Support
	Ideal    int // ideal quad valence, derived from the support
	Ref      int // index of the originating surface vertex
}

// Face is one quad face.
type Face struct {
	HalfEdge HalfEdgeID
	Ref      int // index of the originating surface quad
}

// Mesh is a half-edge view of a quad surface patch. It is built once from
// the surface and never patched across a surface edit; the repair driver
// rebuilds it after each structural change.
type Mesh struct {
	Vertices  []Vertex
	HalfEdges []HalfEdge
	Faces     []Face
}

// NewMesh builds the half-edge structure from the alive quads of a surface.
// singular lists surface vertex indices that must be protected during
// growth. Fails with ErrNonManifold if three or more half-edges share the
// same vertex pair.
func NewMesh(s *Surface, singular []int) (*Mesh, error) {
	m := &Mesh{}
	angles := s.CornerAngles()
	sv2v := make(map[int]VertexID)

	for qi := range s.Quads {
		if s.Quads[qi].Deleted {
			continue
		}
		var corner [4]VertexID
		for lv, sv := range s.Quads[qi].V {
			v, ok := sv2v[sv]
			if !ok {
				v = VertexID(len(m.Vertices))
				sv2v[sv] = v
				m.Vertices = append(m.Vertices, Vertex{
					HalfEdge: None,
					Position: s.Vertices[sv].Position,
					Support:  s.Vertices[sv].Support,
					Ideal:    s.IdealValence(sv, angles),
					Ref:      sv,
				})
			}
			corner[lv] = v
		}
		f := FaceID(len(m.Faces))
		he0 := HalfEdgeID(len(m.HalfEdges))
		for k := 0; k < 4; k++ {
			he := HalfEdge{
				Face:     f,
				Opposite: None,
				Vertex:   corner[(k+1)%4],
				Next:     he0 + HalfEdgeID((k+1)%4),
				Prev:     he0 + HalfEdgeID((k+3)%4),
			}
			if m.Vertices[he.Vertex].HalfEdge == None {
				m.Vertices[he.Vertex].HalfEdge = he0 + HalfEdgeID(k)
			}
			m.HalfEdges = append(m.HalfEdges, he)
		}
		m.Faces = append(m.Faces, Face{HalfEdge: he0, Ref: qi})
	}

	// Pair opposites by unordered vertex pair.
	pairs := make(map[[2]VertexID][2]HalfEdgeID, len(m.HalfEdges)/2)
	for i := range m.HalfEdges {
		he := HalfEdgeID(i)
		a, b := m.Base(he), m.Tip(he)
		if a > b {
			a, b = b, a
		}
		key := [2]VertexID{a, b}
		p, ok := pairs[key]
		switch {
		case !ok:
			pairs[key] = [2]HalfEdgeID{he, None}
		case p[1] == None:
			p[1] = he
			pairs[key] = p
		default:
			return nil, fmt.Errorf("edge (%d,%d) has more than two half-edges: %w", a, b, ErrNonManifold)
		}
	}
	for _, p := range pairs {
		if p[1] != None {
			m.HalfEdges[p[0]].Opposite = p[1]
			m.HalfEdges[p[1]].Opposite = p[0]
		}
	}

	for _, sv := range singular {
		if v, ok := sv2v[sv]; ok {
			m.Vertices[v].Singular = true
		}
	}
	return m, nil
}

// Next returns the half-edge after he around its face.
func (m *Mesh) Next(he HalfEdgeID) HalfEdgeID { return m.HalfEdges[he].Next }

// Prev returns the half-edge before he around its face.
func (m *Mesh) Prev(he HalfEdgeID) HalfEdgeID { return m.HalfEdges[he].Prev }

// Opposite returns the twin half-edge, or None on the mesh boundary.
func (m *Mesh) Opposite(he HalfEdgeID) HalfEdgeID { return m.HalfEdges[he].Opposite }

// Tip returns the vertex the half-edge points at.
func (m *Mesh) Tip(he HalfEdgeID) VertexID { return m.HalfEdges[he].Vertex }

// Base returns the vertex the half-edge starts from.
func (m *Mesh) Base(he HalfEdgeID) VertexID { return m.HalfEdges[m.HalfEdges[he].Prev].Vertex }

// FaceOf returns the face owning the half-edge.
func (m *Mesh) FaceOf(he HalfEdgeID) FaceID { return m.HalfEdges[he].Face }

// FaceVertices returns the four vertices of a face in winding order.
func (m *Mesh) FaceVertices(f FaceID) [4]VertexID {
	var vs [4]VertexID
	he := m.Faces[f].HalfEdge
	for k := 0; k < 4; k++ {
		vs[k] = m.Tip(he)
		he = m.Next(he)
	}
	return vs
}

// VertexFaceValence counts the faces around v by walking opposite∘next.
// When the walk hits the mesh boundary it restarts from the boundary
// half-edge and reports onBoundary true.
func (m *Mesh) VertexFaceValence(v VertexID) (valence int, onBoundary bool) {
	start := m.Vertices[v].HalfEdge
	if start == None {
		return 0, false
	}
	heBdr := HalfEdgeID(None)
	he := start
	for {
		cand := m.Opposite(m.Next(he))
		if cand == None {
			heBdr = m.Next(he)
			break
		}
		he = cand
		valence++
		if he == start {
			return valence, false
		}
	}
	// Boundary case: unroll from the boundary half-edge.
	valence = 0
	he = heBdr
	for {
		valence++
		he = m.Opposite(m.Prev(he))
		if he == None {
			return valence, true
		}
	}
}

// VertexFaces returns the faces around v, ordered by the same walk as
// VertexFaceValence.
func (m *Mesh) VertexFaces(v VertexID) []FaceID {
	var faces []FaceID
	start := m.Vertices[v].HalfEdge
	if start == None {
		return nil
	}
	heBdr := HalfEdgeID(None)
	he := start
	for {
		cand := m.Opposite(m.Next(he))
		if cand == None {
			heBdr = m.Next(he)
			break
		}
		he = cand
		faces = append(faces, m.FaceOf(he))
		if he == start {
			return faces
		}
	}
	faces = faces[:0]
	he = heBdr
	for {
		faces = append(faces, m.FaceOf(he))
		he = m.Opposite(m.Prev(he))
		if he == start || he == None {
			return faces
		}
	}
}

// VertexHalfEdges returns the half-edges pointing away from v's one-ring
// walk, one per incident face.
func (m *Mesh) VertexHalfEdges(v VertexID) []HalfEdgeID {
	var hes []HalfEdgeID
	start := m.Vertices[v].HalfEdge
	if start == None {
		return nil
	}
	heBdr := HalfEdgeID(None)
	he := start
	for {
		hes = append(hes, he)
		cand := m.Opposite(m.Next(he))
		if cand == None {
			heBdr = m.Next(he)
			break
		}
		he = cand
		if he == start {
			return hes
		}
	}
	hes = hes[:0]
	he = heBdr
	for {
		hes = append(hes, he)
		he = m.Opposite(m.Prev(he))
		if he == start || he == None {
			return hes
		}
	}
}

// FaceAdjacentFaces returns the faces sharing an edge with f.
func (m *Mesh) FaceAdjacentFaces(f FaceID) []FaceID {
	var out []FaceID
	he := m.Faces[f].HalfEdge
	for k := 0; k < 4; k++ {
		if op := m.Opposite(he); op != None {
			out = append(out, m.FaceOf(op))
		}
		he = m.Next(he)
	}
	return out
}

// VertexIsRegular reports whether v has its ideal structured valence:
// 2 on the mesh boundary, 4 in the interior.
func (m *Mesh) VertexIsRegular(v VertexID) bool {
	val, onBdr := m.VertexFaceValence(v)
	if onBdr {
		return val == 2
	}
	return val == 4
}

// CheckMesh verifies the half-edge structure's internal consistency.
func (m *Mesh) CheckMesh() error {
	for i := range m.HalfEdges {
		he := HalfEdgeID(i)
		if m.Next(m.Prev(he)) != he || m.Prev(m.Next(he)) != he {
			return fmt.Errorf("half-edge %d: next/prev inconsistent", he)
		}
		if op := m.Opposite(he); op != None {
			if m.Opposite(op) != he {
				return fmt.Errorf("half-edge %d: opposite not symmetric", he)
			}
			if m.Tip(op) != m.Base(he) || m.Base(op) != m.Tip(he) {
				return fmt.Errorf("half-edge %d: opposite endpoints mismatch", he)
			}
		}
	}
	for i := range m.Faces {
		f := FaceID(i)
		he := m.Faces[f].HalfEdge
		for k := 0; k < 4; k++ {
			if m.FaceOf(he) != f {
				return fmt.Errorf("face %d: half-edge %d owned by face %d", f, he, m.FaceOf(he))
			}
			he = m.Next(he)
		}
		if he != m.Faces[f].HalfEdge {
			return fmt.Errorf("face %d: loop does not close in four half-edges", f)
		}
	}
	for i := range m.Vertices {
		v := VertexID(i)
		he := m.Vertices[v].HalfEdge
		if he == None {
			return fmt.Errorf("vertex %d: no incident half-edge", v)
		}
		if m.Tip(he) != v {
			return fmt.Errorf("vertex %d: incident half-edge points at %d", v, m.Tip(he))
		}
	}
	return nil
}
