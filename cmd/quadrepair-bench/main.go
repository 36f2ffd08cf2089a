// quadrepair-bench is a benchmark and stress test for the quadrepair
// library. It builds large grid meshes, injects topological defects and
// measures how fast and how completely the repair drivers clean them up.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/topomesh/quadrepair"
)

const (
	gridSize    = 200
	defectCount = 400
	seed        = 1
)

type BenchResult struct {
	Name     string
	Duration time.Duration
	Ops      int
	Extra    string
}

func (r BenchResult) String() string {
	if r.Ops > 0 {
		opsPerSec := float64(r.Ops) / r.Duration.Seconds()
		if r.Extra != "" {
			return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec) %s", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec, r.Extra)
		}
		return fmt.Sprintf("%-40s %12v  (%d ops, %.2f ops/sec)", r.Name, r.Duration.Round(time.Millisecond), r.Ops, opsPerSec)
	}
	if r.Extra != "" {
		return fmt.Sprintf("%-40s %12v  %s", r.Name, r.Duration.Round(time.Millisecond), r.Extra)
	}
	return fmt.Sprintf("%-40s %12v", r.Name, r.Duration.Round(time.Millisecond))
}

func main() {
	fmt.Println("Quadrepair Benchmark and Stress Test")
	fmt.Println("====================================")
	fmt.Printf("Grid: %dx%d quads, %d injected defects\n", gridSize, gridSize, defectCount)
	fmt.Printf("Go version: %s\n", runtime.Version())
	fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
	fmt.Println()

	var results []BenchResult
	runBench := func(name string, fn func() BenchResult) {
		fmt.Printf("  %-40s ", name+"...")
		result := fn()
		fmt.Printf("%v\n", result.Duration.Round(time.Millisecond))
		results = append(results, result)
	}

	fmt.Println("Building test mesh...")
	s, result := buildDefectiveGrid(gridSize, defectCount)
	results = append(results, result)
	fmt.Println(result)
	fmt.Println()

	opts := quadrepair.RepairOptions{
		Disk:     quadrepair.DiskPatterns{},
		Patterns: quadrepair.GridPatterns{},
	}

	fmt.Println("Half-edge construction:")
	runBench("Build half-edge mesh", func() BenchResult { return benchBuildMesh(s) })

	fmt.Println("\nCavity operations:")
	runBench("Init + grow one-ring cavities", func() BenchResult { return benchCavityGrowth(s) })

	fmt.Println("\nRepair drivers:")
	before := irregularCount(s)
	runBench("Local defect repair", func() BenchResult { return benchRepairDefects(s, opts) })
	runBench("Cavity remeshing", func() BenchResult { return benchRepairCavities(s, opts) })
	after := irregularCount(s)

	fmt.Println("\n" + "=")
	fmt.Println("SUMMARY")
	fmt.Println("=")
	for _, r := range results {
		fmt.Println(r)
	}
	fmt.Println()
	fmt.Printf("Irregular vertices: %d before, %d after\n", before, after)

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	fmt.Printf("Peak heap allocation: %d MB\n", m.HeapSys/(1024*1024))
	fmt.Printf("Total allocations: %d MB\n", m.TotalAlloc/(1024*1024))

	if err := s.Check(); err != nil {
		fmt.Printf("Final mesh check FAILED: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Final mesh check passed")
}

// buildDefectiveGrid makes an n x n planar grid and splits random
// interior quads three ways, each split leaving a valence-2 doublet and
// a valence-3 vertex behind.
func buildDefectiveGrid(n, defects int) (*quadrepair.Surface, BenchResult) {
	start := time.Now()
	s := quadrepair.NewSurface()

	vid := make([][]int, n+1)
	for j := 0; j <= n; j++ {
		vid[j] = make([]int, n+1)
		for i := 0; i <= n; i++ {
			sup := quadrepair.SupportSurface
			onX := i == 0 || i == n
			onY := j == 0 || j == n
			if onX && onY {
				sup = quadrepair.SupportCorner
			} else if onX || onY {
				sup = quadrepair.SupportCurve
			}
			vid[j][i] = s.AddVertex(r3.Vec{X: float64(i), Y: float64(j)}, sup)
		}
	}
	for j := 0; j < n; j++ {
		for i := 0; i < n; i++ {
			s.AddQuad(vid[j][i], vid[j][i+1], vid[j+1][i+1], vid[j+1][i])
		}
	}

	rng := rand.New(rand.NewSource(seed))
	adj := s.Adjacency()
	injected := 0
	for attempt := 0; attempt < defects*20 && injected < defects; attempt++ {
		// Pick an interior quad away from the boundary and from earlier
		// defects.
		i := 2 + rng.Intn(n-4)
		j := 2 + rng.Intn(n-4)
		qa := j*n + i
		if s.Quads[qa].Deleted {
			continue
		}
		ring, err := s.BuildBoundary([]int{qa})
		if err != nil || len(ring) != 4 || !allRegular(s, adj, ring) {
			continue
		}
		// Split the quad into three, leaving a valence-2 doublet and a
		// valence-3 vertex behind.
		var c r3.Vec
		for _, v := range ring {
			c = r3.Add(c, s.Vertices[v].Position)
		}
		c = r3.Scale(0.25, c)
		f := r3.Scale(0.5, r3.Add(c, s.Vertices[ring[0]].Position))
		patch := &quadrepair.Patch{
			NewVertices:  []r3.Vec{c, f},
			NewIrregular: []bool{true, true},
			Quads: [][4]int{
				{0, 1, 4, 5}, {4, 1, 2, 3}, {0, 5, 4, 3},
			},
		}
		if _, _, err := s.ApplyPatch(ring, nil, []int{qa}, patch); err != nil {
			continue
		}
		adj = s.Adjacency()
		injected++
	}

	return s, BenchResult{
		Name:     "Build defective grid",
		Duration: time.Since(start),
		Ops:      injected,
		Extra:    fmt.Sprintf("%d quads", s.AliveQuadCount()),
	}
}

func allRegular(s *quadrepair.Surface, adj map[int][]int, ring []int) bool {
	for _, v := range ring {
		if s.Vertices[v].Support != quadrepair.SupportSurface || len(adj[v]) != 4 {
			return false
		}
	}
	return true
}

func irregularCount(s *quadrepair.Surface) int {
	adj := s.Adjacency()
	count := 0
	angles := s.CornerAngles()
	for v := range s.Vertices {
		if s.Vertices[v].Deleted || len(adj[v]) == 0 {
			continue
		}
		if len(adj[v]) != s.IdealValence(v, angles) {
			count++
		}
	}
	return count
}

func benchBuildMesh(s *quadrepair.Surface) BenchResult {
	start := time.Now()
	ops := 0
	for i := 0; i < 10; i++ {
		m, err := quadrepair.NewMesh(s, nil)
		if err != nil {
			return BenchResult{Name: "Build half-edge mesh", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
		}
		ops += len(m.Faces)
	}
	return BenchResult{
		Name:     "Build half-edge mesh",
		Duration: time.Since(start),
		Ops:      ops,
		Extra:    "faces built",
	}
}

func benchCavityGrowth(s *quadrepair.Surface) BenchResult {
	start := time.Now()
	m, err := quadrepair.NewMesh(s, nil)
	if err != nil {
		return BenchResult{Name: "Init + grow one-ring cavities", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	g := quadrepair.NewGardener(m, quadrepair.GridPatterns{})
	ops := 0
	grown := 0
	for v := range m.Vertices {
		if v%97 != 0 {
			continue
		}
		faces := m.VertexFaces(quadrepair.VertexID(v))
		if len(faces) < 3 {
			continue
		}
		cav, err := quadrepair.InitCavity(m, faces)
		if err != nil {
			continue
		}
		if err := g.SetCavity(cav); err != nil {
			continue
		}
		ops++
		if ok, err := g.GrowMaximal(); err == nil && ok {
			grown++
		}
	}
	return BenchResult{
		Name:     "Init + grow one-ring cavities",
		Duration: time.Since(start),
		Ops:      ops,
		Extra:    fmt.Sprintf("%d grown to remeshable", grown),
	}
}

func benchRepairDefects(s *quadrepair.Surface, opts quadrepair.RepairOptions) BenchResult {
	start := time.Now()
	stats, err := quadrepair.RepairDefects(s, opts)
	if err != nil {
		return BenchResult{Name: "Local defect repair", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	repairs := stats.CornerRepairs + stats.CurveRepairs + stats.SurfaceRepairs
	return BenchResult{
		Name:     "Local defect repair",
		Duration: time.Since(start),
		Ops:      repairs,
		Extra:    fmt.Sprintf("%d rejected, %d unmatched", stats.Rejected, stats.NoMatch),
	}
}

func benchRepairCavities(s *quadrepair.Surface, opts quadrepair.RepairOptions) BenchResult {
	start := time.Now()
	stats, _, err := quadrepair.RepairCavities(s, nil, opts)
	if err != nil {
		return BenchResult{Name: "Cavity remeshing", Duration: time.Since(start), Extra: fmt.Sprintf("ERROR: %v", err)}
	}
	return BenchResult{
		Name:     "Cavity remeshing",
		Duration: time.Since(start),
		Ops:      stats.CavitiesRemeshed,
		Extra:    fmt.Sprintf("%d growth failures, %d unmatched", stats.GrowthFailures, stats.NoMatch),
	}
}
