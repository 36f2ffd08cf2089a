package quadrepair

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/spatial/r3"
)

// RepairOptions configures the repair drivers. Disk handles the small
// one-ring cavities of RepairDefects, Patterns the grown cavities of
// RepairCavities. Smoother and Projector are optional; when nil the
// repaired mesh keeps the raw patch geometry.
type RepairOptions struct {
	Disk      DiskQuadrangulator
	Patterns  CavityRemesher
	Smoother  Smoother
	Projector Projector

	// StrictDuets forbids patches that would leave a temporary interior
	// valence-2 vertex behind. By default such duets are allowed and
	// re-enqueued at maximal priority so they are dissolved next.
	StrictDuets bool
}

// RepairStats reports what the drivers did.
type RepairStats struct {
	CornerRepairs  int
	CurveRepairs   int
	SurfaceRepairs int

	CavitiesRemeshed int
	GrowthFailures   int

	Rejected int // patches found but refused (energy did not decrease)
	NoMatch  int // cavities with no admissible patch
}

func (st RepairStats) Add(o RepairStats) RepairStats {
	st.CornerRepairs += o.CornerRepairs
	st.CurveRepairs += o.CurveRepairs
	st.SurfaceRepairs += o.SurfaceRepairs
	st.CavitiesRemeshed += o.CavitiesRemeshed
	st.GrowthFailures += o.GrowthFailures
	st.Rejected += o.Rejected
	st.NoMatch += o.NoMatch
	return st
}

func sq(d int) float64 { return float64(d * d) }

// ringEnergy measures how far the one-ring of v deviates from ideal
// valences. Corner and curve neighbors always count; interior neighbors
// count only when v itself is an interior vertex.
func ringEnergy(s *Surface, v int, adj map[int][]int, angles map[int]float64) float64 {
	vsup := s.Vertices[v].Support
	seen := map[int]bool{v: true}
	var e float64
	for _, qi := range adj[v] {
		for _, v2 := range s.Quads[qi].V {
			if seen[v2] {
				continue
			}
			seen[v2] = true
			val := len(adj[v2])
			switch s.Vertices[v2].Support {
			case SupportCorner, SupportCurve:
				e += sq(val - s.IdealValence(v2, angles))
			default:
				if vsup == SupportSurface {
					e += sq(val - 4)
				}
			}
		}
	}
	return e
}

// defectPriority is the queue key: the ring energy plus a dominating
// penalty for valences no patch can fix locally.
func defectPriority(s *Surface, v int, adj map[int][]int, angles map[int]float64) float64 {
	e := ringEnergy(s, v, adj, angles)
	val := len(adj[v])
	switch s.Vertices[v].Support {
	case SupportCurve:
		if val > 2 {
			e += 1000 * float64(val-2)
		}
	case SupportSurface:
		if val > 5 {
			e += 1000 * float64(val-4)
		}
	}
	return e
}

type defectItem struct {
	priority float64
	vertex   int
	seq      int
}

// defectQueue is a max-heap on priority, FIFO among equal priorities.
type defectQueue []defectItem

func (q defectQueue) Len() int { return len(q) }
func (q defectQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}
func (q defectQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *defectQueue) Push(x interface{}) { *q = append(*q, x.(defectItem)) }
func (q *defectQueue) Pop() interface{} {
	old := *q
	x := old[len(old)-1]
	*q = old[:len(old)-1]
	return x
}

// remeshableVertexProperties decides whether the defect at v is worth a
// local repair and which quads form its cavity. Conforming vertices are
// skipped, and so are interior vertices at valence 5 and valence-3
// interior vertices without a diamond: those stay for the
// singularity-aware cavity pass, which may want to keep them irregular.
// An interior valence-3 vertex sitting on a diamond shrinks the cavity to
// that single quad; a valence-1 vertex at a corner or curve that wants
// more grows the cavity by one ring.
func remeshableVertexProperties(s *Surface, v int, adj map[int][]int, angles map[int]float64) (ideal int, quads []int, ok bool) {
	val := len(adj[v])
	if val == 0 {
		return 0, nil, false
	}
	ideal = s.IdealValence(v, angles)
	if val == ideal {
		return 0, nil, false
	}
	grow := false

	if s.Vertices[v].Support == SupportSurface {
		switch val {
		case 5:
			return 0, nil, false
		case 3:
			for _, qi := range adj[v] {
				q := &s.Quads[qi]
				lv := -1
				for k := 0; k < 4; k++ {
					if q.V[k] == v {
						lv = k
						break
					}
				}
				if lv < 0 {
					continue
				}
				prev, op, next := q.V[(lv+3)%4], q.V[(lv+2)%4], q.V[(lv+1)%4]
				if len(adj[prev]) > 3 && len(adj[op]) == 3 && len(adj[next]) > 3 &&
					s.Vertices[prev].Support == SupportSurface &&
					s.Vertices[op].Support == SupportSurface &&
					s.Vertices[next].Support == SupportSurface {
					// Diamond: collapsing this quad alone fixes both
					// valence-3 vertices.
					quads = []int{qi}
					grow = true
					break
				}
			}
			if !grow {
				// No diamond, keep the valence-3 vertex.
				return 0, nil, false
			}
		}
	}
	if quads == nil {
		quads = append(quads, adj[v]...)
	}
	if len(quads) == 1 && ideal >= 2 && !grow {
		grow = true
	}

	if grow {
		seen := make(map[int]bool)
		var grown []int
		for _, qi := range quads {
			for _, v2 := range s.Quads[qi].V {
				for _, qj := range adj[v2] {
					if !seen[qj] {
						seen[qj] = true
						grown = append(grown, qj)
					}
				}
			}
		}
		sort.Ints(grown)
		quads = grown
	}
	return ideal, quads, true
}

// ringConstraints computes, per ring vertex, the ideal in-patch valence and
// the hard bounds the patch must respect, from the vertex support and the
// number of its quads outside the cavity.
func ringConstraints(s *Surface, vs Support, ring []int, quads []int, adj map[int][]int, angles map[int]float64, strictDuets bool) (ideal []int, allowed []ValenceRange) {
	inCavity := make(map[int]bool, len(quads))
	for _, qi := range quads {
		inCavity[qi] = true
	}
	ideal = make([]int, len(ring))
	allowed = make([]ValenceRange, len(ring))
	for i, bv := range ring {
		bival := s.IdealValence(bv, angles)
		ext := 0
		for _, qi := range adj[bv] {
			if !inCavity[qi] {
				ext++
			}
		}
		ideal[i] = bival - ext
		bvs := s.Vertices[bv].Support
		switch {
		case ext == 0:
			allowed[i] = ValenceRange{bival, bival}
		case bvs == SupportCorner:
			allowed[i] = ValenceRange{1, 1}
		case bvs == SupportCurve:
			if vs == SupportCorner {
				allowed[i] = ValenceRange{1, 2}
			} else {
				allowed[i] = ValenceRange{1, 1}
			}
		case vs == SupportCorner || vs == SupportCurve:
			switch {
			case ext == 1:
				if strictDuets {
					allowed[i] = ValenceRange{2, 6}
				} else {
					allowed[i] = ValenceRange{1, 6}
				}
			case ext == 2:
				allowed[i] = ValenceRange{1, 5}
			case ext == 3:
				allowed[i] = ValenceRange{1, 4}
			case ext == 4:
				allowed[i] = ValenceRange{1, 3}
			case ext == 5:
				allowed[i] = ValenceRange{1, 2}
			default:
				allowed[i] = ValenceRange{1, 1}
			}
		default:
			switch {
			case ext == 1:
				if strictDuets {
					allowed[i] = ValenceRange{2, 4}
				} else {
					allowed[i] = ValenceRange{1, 4}
				}
			case ext == 2:
				allowed[i] = ValenceRange{1, 3}
			case ext == 3:
				allowed[i] = ValenceRange{1, 2}
			default:
				allowed[i] = ValenceRange{1, 1}
			}
		}
	}
	return ideal, allowed
}

// patchEnergy scores a cavity configuration from the in-cavity valences of
// its ring and interior vertices.
func patchEnergy(ideal []int, allowed []ValenceRange, ringVal, insideVal []int) float64 {
	var e float64
	for i, val := range ringVal {
		e += sq(val - ideal[i])
		if allowed[i].Min == allowed[i].Max && val != allowed[i].Min {
			e += 1000 * math.Abs(float64(val-allowed[i].Min))
		}
	}
	for _, val := range insideVal {
		e += sq(val - 4)
		if val > 5 {
			e += 1000 * float64(val-5)
		}
	}
	return e
}

func cavityValences(s *Surface, ring, inside, quads []int) (ringVal, insideVal []int) {
	count := make(map[int]int)
	for _, qi := range quads {
		for _, v := range s.Quads[qi].V {
			count[v]++
		}
	}
	ringVal = make([]int, len(ring))
	for i, v := range ring {
		ringVal[i] = count[v]
	}
	insideVal = make([]int, len(inside))
	for i, v := range inside {
		insideVal[i] = count[v]
	}
	return ringVal, insideVal
}

func proposedValences(ringLen int, p *Patch) (ringVal, insideVal []int) {
	ringVal = make([]int, ringLen)
	insideVal = make([]int, len(p.NewVertices))
	for _, q := range p.Quads {
		for _, idx := range q {
			if idx < ringLen {
				ringVal[idx]++
			} else {
				insideVal[idx-ringLen]++
			}
		}
	}
	return ringVal, insideVal
}

// RepairDefects walks the mesh in three passes, corners then curve
// vertices then interior vertices, and replaces the one-ring cavity of
// each non-conforming vertex with a patch from opts.Disk whenever the
// patch strictly lowers the cavity's irregularity energy. The queue is
// re-seeded after a pass that made progress, so cascading defects are
// chased until a fixed point.
func RepairDefects(s *Surface, opts RepairOptions) (RepairStats, error) {
	var stats RepairStats
	if opts.Disk == nil {
		return stats, ErrNoDiskQuadrangulator
	}
	angles := s.CornerAngles()
	adj := s.Adjacency()

	for _, pass := range []Support{SupportCorner, SupportCurve, SupportSurface} {
		var passVerts, passQuads []int
		for {
			q := seedQueue(s, pass, adj, angles)
			progress := false
			seq := len(q)
			for q.Len() > 0 {
				item := heap.Pop(&q).(defectItem)
				v := item.vertex
				if s.Vertices[v].Deleted || len(adj[v]) == 0 {
					continue
				}
				_, quads, ok := remeshableVertexProperties(s, v, adj, angles)
				if !ok {
					continue
				}
				ring, err := s.BuildBoundary(quads)
				if err != nil || len(ring) < 4 {
					continue
				}
				ideal, allowed := ringConstraints(s, pass, ring, quads, adj, angles, opts.StrictDuets)
				inside := s.InteriorVertices(quads, ring)

				ringPos := make([]r3.Vec, len(ring))
				for i, rv := range ring {
					ringPos[i] = s.Vertices[rv].Position
				}
				patch, ok := opts.Disk.RemeshRing(ringPos, ideal, allowed)
				if !ok {
					stats.NoMatch++
					continue
				}

				// A duet replacement on a 4-ring always goes through, it
				// dissolves a temporary valence-2 vertex.
				duet := pass == SupportSurface && len(ring) == 4 &&
					len(quads) == 2 && len(patch.Quads) != 2
				if !duet {
					ringVal, insideVal := cavityValences(s, ring, inside, quads)
					before := patchEnergy(ideal, allowed, ringVal, insideVal)
					ringVal, insideVal = proposedValences(len(ring), patch)
					after := patchEnergy(ideal, allowed, ringVal, insideVal)
					if after >= before {
						stats.Rejected++
						continue
					}
				}

				newVerts, newQuads, err := s.ApplyPatch(ring, inside, quads, patch)
				if err != nil {
					stats.Rejected++
					continue
				}
				updateAdjacency(s, adj, quads, inside, newQuads)
				if opts.Projector != nil {
					for _, nv := range newVerts {
						s.Vertices[nv].Position = opts.Projector.Project(s.Vertices[nv].Position)
					}
				}
				passVerts = append(passVerts, newVerts...)
				passQuads = append(passQuads, newQuads...)
				progress = true
				switch pass {
				case SupportCorner:
					stats.CornerRepairs++
				case SupportCurve:
					stats.CurveRepairs++
				default:
					stats.SurfaceRepairs++
				}

				// Re-enqueue whatever the patch touched; fresh duets jump
				// the queue so they are dissolved before anything else.
				for _, qi := range newQuads {
					for _, v2 := range s.Quads[qi].V {
						if s.Vertices[v2].Support != pass {
							continue
						}
						prio := defectPriority(s, v2, adj, angles)
						if pass == SupportSurface && len(adj[v2]) == 2 {
							prio = math.Inf(1)
						}
						if prio > 0 {
							heap.Push(&q, defectItem{priority: prio, vertex: v2, seq: seq})
							seq++
						}
					}
				}
			}
			if !progress {
				break
			}
		}
		if opts.Smoother != nil && len(passQuads) > 0 {
			opts.Smoother.Smooth(s, passVerts, passQuads)
		}
	}
	return stats, s.Check()
}

func seedQueue(s *Surface, pass Support, adj map[int][]int, angles map[int]float64) defectQueue {
	var q defectQueue
	seq := 0
	for v := range s.Vertices {
		if s.Vertices[v].Deleted || s.Vertices[v].Support != pass || len(adj[v]) == 0 {
			continue
		}
		// Every pass vertex goes in, defective or not; the pop side
		// skips the conforming ones. Zero-energy defects (a flat CAD
		// corner with too few quads, say) would otherwise never pop.
		q = append(q, defectItem{priority: defectPriority(s, v, adj, angles), vertex: v, seq: seq})
		seq++
	}
	heap.Init(&q)
	return q
}

// updateAdjacency splices a committed patch into the incremental
// vertex-to-quads table.
func updateAdjacency(s *Surface, adj map[int][]int, oldQuads, inside, newQuads []int) {
	dropped := make(map[int]bool, len(oldQuads))
	for _, qi := range oldQuads {
		dropped[qi] = true
	}
	touched := make(map[int]bool)
	for _, qi := range oldQuads {
		for _, v := range s.Quads[qi].V {
			touched[v] = true
		}
	}
	for v := range touched {
		kept := adj[v][:0]
		for _, qi := range adj[v] {
			if !dropped[qi] {
				kept = append(kept, qi)
			}
		}
		adj[v] = kept
	}
	for _, v := range inside {
		delete(adj, v)
	}
	for _, qi := range newQuads {
		for _, v := range s.Quads[qi].V {
			adj[v] = append(adj[v], qi)
		}
	}
}

// pair35Signature reports whether the quad's valence deficits rotate to
// the 3-5 pair signature (-1, 0, 1, 0): a valence-5 vertex opposite a
// valence-3 vertex across the quad.
func pair35Signature(s *Surface, q *Quad, adj map[int][]int) bool {
	var d [4]int
	onBnd := func(v int) bool { return s.Vertices[v].Support != SupportSurface }
	for k, v := range q.V {
		if onBnd(v) {
			d[k] = 2 - len(adj[v])
		} else {
			d[k] = 4 - len(adj[v])
		}
	}
	want := [4]int{-1, 0, 1, 0}
	for r := 0; r < 4; r++ {
		if d == want {
			return true
		}
		d = [4]int{d[1], d[2], d[3], d[0]}
	}
	return false
}

type cavitySeed struct {
	priority float64
	faces    []FaceID
	singular int // surface vertex the seed is centered on, -1 for pairs
}

// RepairCavities grows and remeshes cavities around singularities and 3-5
// pairs until no grown cavity improves the mesh. The singular list is the
// set of surface vertices whose irregular valence is wanted; it is
// returned updated, with absorbed singularities replaced by the ones the
// patches created.
func RepairCavities(s *Surface, singular []int, opts RepairOptions) (RepairStats, []int, error) {
	var stats RepairStats
	if opts.Patterns == nil {
		return stats, singular, ErrNoCavityRemesher
	}
	for progress := true; progress; {
		progress = false
		m, err := NewMesh(s, singular)
		if err != nil {
			return stats, singular, err
		}
		g := NewGardener(m, opts.Patterns)

		// Irregular interior vertices that are not wanted singularities;
		// they attract the cavities that should absorb them.
		var attractors []r3.Vec
		for v := range m.Vertices {
			vid := VertexID(v)
			if m.Vertices[vid].Singular || g.onBoundary[vid] {
				continue
			}
			if m.Vertices[vid].Support == SupportSurface && g.valence[vid] != 4 {
				attractors = append(attractors, m.Vertices[vid].Position)
			}
		}
		attraction := func(p r3.Vec) float64 {
			var a float64
			for _, ap := range attractors {
				a += 1 / (1e-12 + r3.Norm(r3.Sub(p, ap)))
			}
			return a
		}

		var seeds []cavitySeed
		for v := range m.Vertices {
			vid := VertexID(v)
			if !m.Vertices[vid].Singular {
				continue
			}
			faces := m.VertexFaces(vid)
			if len(faces) == 0 {
				continue
			}
			seeds = append(seeds, cavitySeed{
				priority: attraction(m.Vertices[vid].Position),
				faces:    faces,
				singular: m.Vertices[vid].Ref,
			})
		}
		adj := s.Adjacency()
		for f := range m.Faces {
			fid := FaceID(f)
			q := &s.Quads[m.Faces[fid].Ref]
			if pair35Signature(s, q, adj) {
				center := r3.Scale(0.25, r3.Add(
					r3.Add(s.Vertices[q.V[0]].Position, s.Vertices[q.V[1]].Position),
					r3.Add(s.Vertices[q.V[2]].Position, s.Vertices[q.V[3]].Position)))
				seeds = append(seeds, cavitySeed{
					priority: attraction(center),
					faces:    []FaceID{fid},
					singular: -1,
				})
			}
		}
		sort.SliceStable(seeds, func(i, j int) bool { return seeds[i].priority > seeds[j].priority })

		for _, seed := range seeds {
			cav, err := InitCavity(m, seed.faces)
			if err != nil {
				continue
			}
			if err := g.SetCavity(cav); err != nil {
				continue
			}
			grown, err := g.GrowMaximal()
			if err != nil || !grown {
				stats.GrowthFailures++
				continue
			}
			newSing, ok, err := remeshCavity(s, m, cav, seed, opts, &stats)
			if err != nil {
				return stats, singular, err
			}
			if !ok {
				continue
			}
			singular = replaceSingularity(singular, seed.singular, newSing)
			stats.CavitiesRemeshed++
			progress = true
			break // the mesh changed, rebuild before the next seed
		}
	}
	return stats, singular, s.Check()
}

// remeshCavity maps a grown cavity back to the surface, asks the pattern
// library for a patch and commits it. Returns the surface indices of the
// new irregular vertices when the patch leaves exactly one, which then
// inherits the seed's singularity.
func remeshCavity(s *Surface, m *Mesh, cav *Cavity, seed cavitySeed, opts RepairOptions, stats *RepairStats) ([]int, bool, error) {
	nsides := cav.UpdateSides()
	if nsides <= 0 {
		return nil, false, nil
	}
	sideVerts := cav.SideVertices()
	sides := make([][]r3.Vec, len(sideVerts))
	var ring []int
	for i, sv := range sideVerts {
		sides[i] = make([]r3.Vec, len(sv))
		for k, v := range sv {
			sides[i][k] = m.Vertices[v].Position
		}
		for _, v := range sv[:len(sv)-1] {
			ring = append(ring, m.Vertices[v].Ref)
		}
	}
	patch, ok := opts.Patterns.RemeshSides(sides)
	if !ok {
		stats.NoMatch++
		return nil, false, nil
	}
	quads := make([]int, 0, cav.FaceCount())
	for _, f := range cav.Faces() {
		quads = append(quads, m.Faces[f].Ref)
	}
	inside := s.InteriorVertices(quads, ring)
	newVerts, newQuads, err := s.ApplyPatch(ring, inside, quads, patch)
	if err != nil {
		stats.Rejected++
		return nil, false, nil
	}
	if opts.Projector != nil {
		for _, nv := range newVerts {
			s.Vertices[nv].Position = opts.Projector.Project(s.Vertices[nv].Position)
		}
	}
	if opts.Smoother != nil {
		opts.Smoother.Smooth(s, newVerts, newQuads)
	}
	var irregular []int
	for i, nv := range newVerts {
		if i < len(patch.NewIrregular) && patch.NewIrregular[i] {
			irregular = append(irregular, nv)
		}
	}
	if len(irregular) == 1 && (nsides == 3 || nsides == 5) {
		return irregular, true, nil
	}
	return nil, true, nil
}

// replaceSingularity drops old from the singular list (it was absorbed by
// a patch) and appends the replacements.
func replaceSingularity(singular []int, old int, repl []int) []int {
	if old >= 0 {
		kept := singular[:0]
		for _, v := range singular {
			if v != old {
				kept = append(kept, v)
			}
		}
		singular = kept
	}
	return append(singular, repl...)
}

// Repair runs the full pipeline: local defect repair, cavity remeshing
// around singularities and 3-5 pairs, then a final defect sweep over
// whatever the cavities exposed.
func Repair(s *Surface, singular []int, opts RepairOptions) (RepairStats, []int, error) {
	stats, err := RepairDefects(s, opts)
	if err != nil {
		return stats, singular, fmt.Errorf("defect pass: %w", err)
	}
	if opts.Patterns != nil {
		cs, updated, err := RepairCavities(s, singular, opts)
		stats = stats.Add(cs)
		if err != nil {
			return stats, updated, fmt.Errorf("cavity pass: %w", err)
		}
		singular = updated
		ds, err := RepairDefects(s, opts)
		stats = stats.Add(ds)
		if err != nil {
			return stats, singular, fmt.Errorf("final defect pass: %w", err)
		}
	}
	return stats, singular, nil
}
