package datasets

import (
	"fmt"
	"io"
	"log"
	"sort"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	xrand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// DatasetGroup is the set of systems sharing one atom count, with the
// within-group selection weights used for group-batch draws. Groups are built
// once at construction and never mutated.
type DatasetGroup struct {
	// Natm is the atom count shared by every system in the group.
	Natm int
	// Systems lists the member systems in reader order.
	Systems []*System

	nframes int
	weights []float64 // per-system batch-count share, sums to 1
	dist    distuv.Categorical
}

// Weights returns each member's normalized selection probability, the
// system's number of full batches (nframes/batchSize) over the group total.
func (g *DatasetGroup) Weights() []float64 {
	return append([]float64(nil), g.weights...)
}

// GroupedReader owns a collection of systems and draws training batches from
// them: single-system batches weighted by frame-count share, or combined
// batches concatenated across systems of one atom-count group. It also
// computes the normalization statistics and the ridge-regression baseline
// over the pooled data (see stats.go).
//
// GroupedReader is not safe for concurrent use; all sampling state is owned
// by the single caller driving it.
type GroupedReader struct {
	cfg     Config
	systems []*System
	nframes []int
	total   int
	ndesc   int

	sysDist distuv.Categorical

	groups    []*DatasetGroup
	groupDist distuv.Categorical

	// sampleUsed approximates epoch progress during iteration: cumulative
	// sampled frames, reset once it exceeds the total frame count.
	sampleUsed int
}

// NewGroupedReader loads every path as a System and assembles the reader.
// Systems with no retained frames are dropped with a diagnostic; at least one
// must survive. All included systems must share one descriptor channel width.
func NewGroupedReader(paths []string, cfg Config) (*GroupedReader, error) {
	cfg = cfg.withDefaults()
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	g := &GroupedReader{cfg: cfg}
	for i, path := range paths {
		sysCfg := cfg
		sysCfg.Seed = seed + int64(i)
		sys, err := NewSystem(path, sysCfg)
		if err != nil {
			return nil, err
		}
		if sys.Nframes() == 0 {
			log.Printf("# ignore empty dataset: %s", path)
			continue
		}
		g.systems = append(g.systems, sys)
		g.nframes = append(g.nframes, sys.Nframes())
		g.total += sys.Nframes()
	}
	if len(g.systems) == 0 {
		return nil, fmt.Errorf("%w: out of %d paths", ErrNoSystems, len(paths))
	}

	g.ndesc = g.systems[0].Ndesc
	for _, sys := range g.systems {
		if sys.Ndesc != g.ndesc {
			return nil, fmt.Errorf("%w: %s has %d channels, %s has %d",
				ErrChannelMismatch, g.systems[0].Path, g.ndesc, sys.Path, sys.Ndesc)
		}
	}

	sysWeights := make([]float64, len(g.systems))
	for i, n := range g.nframes {
		sysWeights[i] = float64(n)
	}
	g.sysDist = distuv.NewCategorical(sysWeights, xrand.NewSource(uint64(seed)))

	if cfg.GroupBatch > 1 {
		g.buildGroups(seed)
	}
	return g, nil
}

// buildGroups partitions the systems by atom count and derives the group and
// within-group selection weights.
func (g *GroupedReader) buildGroups(seed int64) {
	byNatm := make(map[int]*DatasetGroup)
	for _, sys := range g.systems {
		grp, ok := byNatm[sys.Natm]
		if !ok {
			grp = &DatasetGroup{Natm: sys.Natm}
			byNatm[sys.Natm] = grp
			g.groups = append(g.groups, grp)
		}
		grp.Systems = append(grp.Systems, sys)
		grp.nframes += sys.Nframes()
	}
	sort.Slice(g.groups, func(i, j int) bool { return g.groups[i].Natm < g.groups[j].Natm })

	groupWeights := make([]float64, len(g.groups))
	for i, grp := range g.groups {
		groupWeights[i] = float64(grp.nframes) / float64(g.total)

		w := make([]float64, len(grp.Systems))
		for j, sys := range grp.Systems {
			w[j] = float64(sys.Nframes()) / float64(sys.BatchSize())
		}
		floats.Scale(1/floats.Sum(w), w)
		grp.weights = w
		grp.dist = distuv.NewCategorical(w, xrand.NewSource(uint64(seed)+uint64(grp.Natm)))
	}
	g.groupDist = distuv.NewCategorical(groupWeights, xrand.NewSource(uint64(seed)+1))
}

// NumSystems returns the number of included (non-empty) systems.
func (g *GroupedReader) NumSystems() int { return len(g.systems) }

// System returns the i-th included system.
func (g *GroupedReader) System(i int) *System { return g.systems[i] }

// TrainSize returns the total retained frame count across all systems.
func (g *GroupedReader) TrainSize() int { return g.total }

// BatchSize returns the requested (unclamped) per-system batch size.
func (g *GroupedReader) BatchSize() int { return g.cfg.BatchSize }

// Ndesc returns the descriptor channel width shared by all systems.
func (g *GroupedReader) Ndesc() int { return g.ndesc }

// SystemProbs returns each system's selection probability, its share of the
// global frame count.
func (g *GroupedReader) SystemProbs() []float64 {
	p := make([]float64, len(g.nframes))
	for i, n := range g.nframes {
		p[i] = float64(n)
	}
	floats.Scale(1/floats.Sum(p), p)
	return p
}

// sampleIdx draws one system index with probability proportional to its
// frame count. Draws are independent across calls.
func (g *GroupedReader) sampleIdx() int { return int(g.sysDist.Rand()) }

// Sample draws a batch from one weighted-randomly chosen system.
func (g *GroupedReader) Sample() *Batch { return g.systems[g.sampleIdx()].Sample() }

// SampleFrom draws a batch from system idx.
func (g *GroupedReader) SampleFrom(idx int) *Batch { return g.systems[idx].Sample() }

// SampleGroup draws one atom-count group by frame share, then GroupBatch
// systems within it (with replacement, weighted by batch count), samples each
// and concatenates the results along the frame axis into one combined batch.
func (g *GroupedReader) SampleGroup() *Batch {
	grp := g.groups[int(g.groupDist.Rand())]
	parts := make([]*Batch, g.cfg.GroupBatch)
	for i := range parts {
		parts[i] = grp.Systems[int(grp.dist.Rand())].Sample()
	}
	// systems in a group share natm and ndesc, so this cannot fail
	combined, err := concatBatches(parts)
	if err != nil {
		panic(err)
	}
	return combined
}

// Next produces the next batch of the current nominal epoch, or io.EOF once
// the cumulative sampled frame count exceeds the total. The partition is
// approximate: batches are drawn by weighted resampling, so within one epoch
// some frames repeat and others are skipped.
func (g *GroupedReader) Next() (*Batch, error) {
	if g.sampleUsed > g.total {
		g.sampleUsed = 0
		return nil, io.EOF
	}
	var b *Batch
	if g.cfg.GroupBatch > 1 {
		b = g.SampleGroup()
	} else {
		b = g.Sample()
	}
	g.sampleUsed += b.NumFrames()
	return b, nil
}

// Name implements gomlx's train.Dataset.
func (g *GroupedReader) Name() string {
	return fmt.Sprintf("GroupedReader(%d systems, %d frames)", len(g.systems), g.total)
}

// Reset implements gomlx's train.Dataset, restarting the epoch counter.
func (g *GroupedReader) Reset() { g.sampleUsed = 0 }

// Yield implements gomlx's train.Dataset: it converts the next batch into
// input and label tensors, returning io.EOF at the end of each nominal epoch.
func (g *GroupedReader) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	b, err := g.Next()
	if err != nil {
		return nil, nil, nil, err
	}
	inputs, labels = b.Tensors()
	return nil, inputs, labels, nil
}

// SampleAllFrom returns every frame of system idx in storage order.
func (g *GroupedReader) SampleAllFrom(idx int) *Batch { return g.systems[idx].SampleAll() }

// EvalBatches slices system idx's full data into contiguous batches of the
// requested batch size times the group batch, covering every frame exactly
// once. The final batch may be short. Used for deterministic evaluation.
func (g *GroupedReader) EvalBatches(idx int) []*Batch {
	all := g.systems[idx].SampleAll()
	size := g.cfg.BatchSize * g.cfg.GroupBatch
	n := all.NumFrames()
	batches := make([]*Batch, 0, (n+size-1)/size)
	for lo := 0; lo < n; lo += size {
		hi := lo + size
		if hi > n {
			hi = n
		}
		batches = append(batches, g.systems[idx].slice(lo, hi))
	}
	return batches
}

// AllEvalBatches returns EvalBatches for every system, in reader order.
func (g *GroupedReader) AllEvalBatches() []*Batch {
	var batches []*Batch
	for i := range g.systems {
		batches = append(batches, g.EvalBatches(i)...)
	}
	return batches
}
