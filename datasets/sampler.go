package datasets

import "math/rand"

// Sampler is the per-system sampling policy: randomized mini-batches drawn
// without replacement within an epoch, reshuffled across epochs. The two
// implementations differ observably in where their epoch boundaries fall and
// are deliberately kept separate.
type Sampler interface {
	// Sample draws the next mini-batch.
	Sample() *Batch
	// SampleAll returns every retained frame in current storage order.
	SampleAll() *Batch
}

// blockSampler advances a cursor over the stored arrays in contiguous
// batch-size blocks. When the cursor runs past the end it physically
// reshuffles the system's arrays with a fresh permutation and restarts.
// Used by the plain energy field set.
type blockSampler struct {
	sys    *System
	rng    *rand.Rand
	cursor int
}

func (p *blockSampler) Sample() *Batch {
	s := p.sys
	// a single-frame dataset would need a zero-length permutation below
	if s.nframes == 1 && s.batchSize == 1 {
		return s.SampleAll()
	}
	p.cursor += s.batchSize
	if p.cursor > s.nframes {
		p.cursor = s.batchSize
		s.permute(p.rng.Perm(s.nframes))
	}
	return s.slice(p.cursor-s.batchSize, p.cursor)
}

func (p *blockSampler) SampleAll() *Batch { return p.sys.SampleAll() }

// queueSampler keeps a queue of shuffled frame indices and serves batches off
// its front. When fewer than a full batch remains, the leftover tail is
// discarded and the queue is regenerated as a fresh permutation; a short
// batch is never emitted. The stored arrays are never reordered. Used by the
// force and orbital field sets.
type queueSampler struct {
	sys   *System
	rng   *rand.Rand
	queue []int
}

func (q *queueSampler) Sample() *Batch {
	s := q.sys
	if s.nframes == 1 && s.batchSize == 1 {
		return s.SampleAll()
	}
	if len(q.queue) < s.batchSize {
		q.queue = q.rng.Perm(s.nframes)
	}
	indices := q.queue[:s.batchSize]
	q.queue = q.queue[s.batchSize:]
	return s.gather(indices)
}

func (q *queueSampler) SampleAll() *Batch { return q.sys.SampleAll() }
