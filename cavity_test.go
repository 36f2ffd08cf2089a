package quadrepair

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func meshFace(t *testing.T, m *Mesh, quadRef int) FaceID {
	t.Helper()
	for f := range m.Faces {
		if m.Faces[f].Ref == quadRef {
			return FaceID(f)
		}
	}
	t.Fatalf("quad %d not in mesh", quadRef)
	return None
}

// flipIndexFor finds the boundary position whose flip would absorb the
// given quad.
func flipIndexFor(cav *Cavity, quadRef int) int {
	m := cav.Mesh()
	for i, he := range cav.Boundary() {
		op := m.Opposite(he)
		if op != None && m.Faces[m.FaceOf(op)].Ref == quadRef {
			return i
		}
	}
	return -1
}

func TestInitCavitySingleQuad(t *testing.T) {
	s, _ := gridSurface(3, 3)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	cav, err := InitCavity(m, []FaceID{meshFace(t, m, 4)})
	require.NoError(t, err)
	require.Len(t, cav.Boundary(), 4)
	require.Equal(t, 1, cav.FaceCount())
	require.Equal(t, 4, cav.UpdateSides())
	require.Equal(t, []int{2, 2, 2, 2}, cav.SideVertexCounts())
}

func TestInitCavityVertexFan(t *testing.T) {
	s, vid := gridSurface(4, 4)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	center := meshVertex(t, m, vid[2][2])
	faces := m.VertexFaces(center)
	require.Len(t, faces, 4)

	cav, err := InitCavity(m, faces)
	require.NoError(t, err)
	require.Len(t, cav.Boundary(), 8)
	require.Equal(t, 4, cav.UpdateSides())
	require.Equal(t, []int{3, 3, 3, 3}, cav.SideVertexCounts())
	require.Equal(t, 4, cav.valenceInside(center))
}

func TestInitCavityEmpty(t *testing.T) {
	s, _ := gridSurface(3, 3)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)
	_, err = InitCavity(m, nil)
	require.Error(t, err)
}

func TestGrowByFlipPlusTwo(t *testing.T) {
	s, _ := gridSurface(5, 5)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	cav, err := InitCavity(m, []FaceID{meshFace(t, m, 12)})
	require.NoError(t, err)
	gen := cav.Generation()

	i := flipIndexFor(cav, 13)
	require.GreaterOrEqual(t, i, 0)
	res := cav.GrowByFlip(i, true)
	require.True(t, res.Accepted())
	require.Equal(t, meshFace(t, m, 13), res.Face)
	require.Equal(t, 2, cav.FaceCount())
	require.Len(t, cav.Boundary(), 6)
	require.Greater(t, cav.Generation(), gen)
	require.Equal(t, 4, cav.UpdateSides())

	counts := cav.SideVertexCounts()
	require.Len(t, counts, 4)
	require.Equal(t, counts[0], counts[2])
	require.Equal(t, counts[1], counts[3])
	sorted := append([]int(nil), counts...)
	sort.Ints(sorted)
	require.Equal(t, []int{2, 2, 3, 3}, sorted)
}

func TestGrowByFlipBoundaryRejected(t *testing.T) {
	s, _ := gridSurface(3, 3)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	cav, err := InitCavity(m, []FaceID{meshFace(t, m, 0)})
	require.NoError(t, err)

	i := -1
	for k, he := range cav.Boundary() {
		if m.Opposite(he) == None {
			i = k
			break
		}
	}
	require.GreaterOrEqual(t, i, 0)

	before := append([]HalfEdgeID(nil), cav.Boundary()...)
	gen := cav.Generation()
	res := cav.GrowByFlip(i, true)
	require.Equal(t, FlipRejectedBoundary, res.Status)
	require.Equal(t, before, cav.Boundary())
	require.Equal(t, 1, cav.FaceCount())
	require.Equal(t, gen, cav.Generation())
}

func TestGrowByFlipSingularityRejected(t *testing.T) {
	s, vid := gridSurface(5, 5)
	blockCenter := vid[2][2]
	m, err := NewMesh(s, []int{blockCenter})
	require.NoError(t, err)

	// Three quads of a 2x2 block; flipping in the fourth would trap the
	// singular block center inside the cavity.
	seeds := []FaceID{meshFace(t, m, 6), meshFace(t, m, 7), meshFace(t, m, 11)}
	cav, err := InitCavity(m, seeds)
	require.NoError(t, err)

	i := flipIndexFor(cav, 12)
	require.GreaterOrEqual(t, i, 0)

	before := append([]HalfEdgeID(nil), cav.Boundary()...)
	gen := cav.Generation()
	res := cav.GrowByFlip(i, true)
	require.Equal(t, FlipRejectedSingularity, res.Status)
	require.Equal(t, before, cav.Boundary())
	require.Equal(t, 3, cav.FaceCount())
	require.Equal(t, gen, cav.Generation())

	// Without the guard the flip goes through and the singularity ends up
	// interior.
	res = cav.GrowByFlip(i, false)
	require.True(t, res.Accepted())
	require.Equal(t, 4, cav.FaceCount())
	center := meshVertex(t, m, blockCenter)
	require.Equal(t, 4, cav.valenceInside(center))
	require.Equal(t, 4, cav.UpdateSides())
}

func TestGrowByFlipCloseHole(t *testing.T) {
	s, _ := gridSurface(3, 3)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	// Annular cavity: all faces but the center. The boundary holds both
	// loops, the outer rim and the four half-edges facing the hole.
	hole := meshFace(t, m, 4)
	cav := &Cavity{m: m, faces: make(map[FaceID]struct{})}
	for f := range m.Faces {
		if FaceID(f) != hole {
			cav.faces[FaceID(f)] = struct{}{}
		}
	}
	for he := range m.HalfEdges {
		id := HalfEdgeID(he)
		if m.FaceOf(id) == hole {
			continue
		}
		op := m.Opposite(id)
		if op == None || m.FaceOf(op) == hole {
			cav.hes = append(cav.hes, id)
		}
	}
	require.Len(t, cav.hes, 16)

	i := flipIndexFor(cav, 4)
	require.GreaterOrEqual(t, i, 0)
	res := cav.GrowByFlip(i, true)
	require.True(t, res.Accepted())
	require.Equal(t, 9, cav.FaceCount())
	require.Len(t, cav.Boundary(), 12)
	require.Equal(t, 4, cav.UpdateSides())
}

func TestCloneRestore(t *testing.T) {
	s, _ := gridSurface(5, 5)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	cav, err := InitCavity(m, []FaceID{meshFace(t, m, 12)})
	require.NoError(t, err)
	snap := cav.Clone()

	res := cav.GrowByFlip(flipIndexFor(cav, 13), true)
	require.True(t, res.Accepted())
	res = cav.GrowByFlip(flipIndexFor(cav, 17), true)
	require.True(t, res.Accepted())
	require.Equal(t, 3, cav.FaceCount())

	grownGen := cav.Generation()
	cav.restoreFrom(snap)
	require.Equal(t, snap.Boundary(), cav.Boundary())
	require.Equal(t, 1, cav.FaceCount())
	require.True(t, cav.Contains(meshFace(t, m, 12)))
	require.False(t, cav.Contains(meshFace(t, m, 13)))
	require.Greater(t, cav.Generation(), grownGen)

	// The snapshot must be independent of the live cavity.
	res = cav.GrowByFlip(flipIndexFor(cav, 13), true)
	require.True(t, res.Accepted())
	require.Equal(t, 1, snap.FaceCount())
	require.Len(t, snap.Boundary(), 4)
}

func TestSideVerticesFlatten(t *testing.T) {
	s, _ := gridSurface(5, 5)
	m, err := NewMesh(s, nil)
	require.NoError(t, err)

	cav, err := InitCavity(m, []FaceID{meshFace(t, m, 12), meshFace(t, m, 13)})
	require.NoError(t, err)
	require.Equal(t, 4, cav.UpdateSides())

	sides := cav.SideVertices()
	require.Len(t, sides, 4)
	total := 0
	for k, sv := range sides {
		require.GreaterOrEqual(t, len(sv), 2)
		next := sides[(k+1)%4]
		require.Equal(t, sv[len(sv)-1], next[0], "adjacent sides must share their corner")
		total += len(sv) - 1
	}
	require.Equal(t, len(cav.Boundary()), total)
}
