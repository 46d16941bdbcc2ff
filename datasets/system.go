package datasets

import (
	"fmt"
	"log"
	"math/rand"
	"path/filepath"
	"time"

	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// System is one on-disk dataset of observed structures: a directory of
// frame-aligned arrays sharing a fixed atom count and descriptor layout.
// Array contents are immutable after construction; the only mutable state is
// the sampling cursor/queue and, for the block-cursor policy, the in-place
// reordering of the stored arrays.
type System struct {
	// Path is the directory the arrays were loaded from.
	Path string

	// Natm is the number of atoms per structure, Nproj the number of
	// projections per descriptor source, Ndesc the combined channel count
	// (Nproj summed over descriptor sources).
	Natm, Nproj, Ndesc int

	fields    FieldSet
	batchSize int
	nframes   int

	label       *Array // (nframes, 1)
	desc        *Array // (nframes, natm, ndesc)
	force       *Array // (nframes, natm, 3)
	grad        *Array // (nframes, natm, 3, natm, ndesc)
	orbital     *Array // (nframes, k)
	orbitalGrad *Array // (nframes, k, natm, ndesc)

	sampler Sampler

	// staged holds the loaded arrays pre-materialized as gomlx tensors so
	// a training loop can start device transfers without another copy.
	// Sampling always reads the host arrays; losing these changes nothing.
	staged []*tensors.Tensor
}

// NewSystem loads, validates and filters one system. It fails on missing or
// mis-shaped arrays; an all-filtered (empty) system is returned successfully
// and must be checked with Nframes.
func NewSystem(path string, cfg Config) (*System, error) {
	cfg = cfg.withDefaults()
	s := &System{
		Path:      path,
		fields:    cfg.Fields,
		batchSize: cfg.BatchSize,
	}

	if err := s.loadMeta(cfg); err != nil {
		return nil, err
	}
	if err := s.load(cfg); err != nil {
		return nil, err
	}

	if s.nframes < s.batchSize {
		s.batchSize = s.nframes
		log.Printf("# %s: reset batch size to %d", path, s.batchSize)
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(seed))
	if cfg.Fields == FieldsEnergy {
		s.sampler = &blockSampler{sys: s, rng: rng}
	} else {
		s.sampler = &queueSampler{sys: s, rng: rng}
		s.stageTensors()
	}
	return s, nil
}

// loadMeta reads the metadata record, or infers the atom and projection
// counts from the first descriptor source when the record is absent. The
// descriptor array must then be rank-3 (frames, natm, nproj).
func (s *System) loadMeta(cfg Config) error {
	natm, nproj, err := readMeta(s.Path)
	if err == nil {
		s.Natm, s.Nproj = natm, nproj
		return nil
	}
	log.Printf("# %s: no %s, infer meta from data", s.Path, metaFile)
	desc, err := readArray(s.arrayPath(cfg.DescNames[0]))
	if err != nil {
		return err
	}
	if len(desc.Shape) != 3 {
		return fmt.Errorf("%w: %s must be rank-3 (nframes, natm, nproj), got shape %v",
			ErrShapeMismatch, cfg.DescNames[0], desc.Shape)
	}
	s.Natm, s.Nproj = desc.Shape[1], desc.Shape[2]
	return nil
}

func (s *System) arrayPath(name string) string {
	return filepath.Join(s.Path, name+".npy")
}

// load reads every configured array, reshapes it against the metadata, and
// applies the convergence mask along the frame axis.
func (s *System) load(cfg Config) error {
	label, err := readArray(s.arrayPath(cfg.LabelName))
	if err != nil {
		return err
	}
	if label, err = label.Reshape(-1, 1); err != nil {
		return fmt.Errorf("label %s: %w", cfg.LabelName, err)
	}
	rawFrames := label.Rows()

	sources := make([]*Array, len(cfg.DescNames))
	for i, name := range cfg.DescNames {
		src, err := readArray(s.arrayPath(name))
		if err != nil {
			return err
		}
		if sources[i], err = src.Reshape(rawFrames, s.Natm, s.Nproj); err != nil {
			return fmt.Errorf("descriptor %s: %w", name, err)
		}
	}
	desc, err := concatChannels(sources)
	if err != nil {
		return err
	}
	s.Ndesc = desc.Shape[2]

	mask := make([]bool, rawFrames)
	if cfg.NoConvFilter {
		for i := range mask {
			mask[i] = true
		}
	} else {
		if mask, err = readBoolArray(s.arrayPath(cfg.ConvName)); err != nil {
			return err
		}
		if len(mask) != rawFrames {
			return fmt.Errorf("%w: mask %s has %d entries for %d frames",
				ErrShapeMismatch, cfg.ConvName, len(mask), rawFrames)
		}
	}

	s.label = label.Filter(mask)
	s.desc = desc.Filter(mask)
	s.nframes = s.label.Rows()

	if s.fields >= FieldsForce {
		if s.force, err = s.loadFiltered(cfg.ForceName, mask, rawFrames, s.Natm, 3); err != nil {
			return err
		}
		if s.grad, err = s.loadFiltered(cfg.GradName, mask, rawFrames, s.Natm, 3, s.Natm, s.Ndesc); err != nil {
			return err
		}
	}
	if s.fields >= FieldsOrbital {
		if s.orbital, err = s.loadFiltered(cfg.OrbitalName, mask, rawFrames, -1); err != nil {
			return err
		}
		k := s.orbital.Shape[1]
		if s.orbitalGrad, err = s.loadFiltered(cfg.OrbitalGradName, mask, rawFrames, k, s.Natm, s.Ndesc); err != nil {
			return err
		}
	}
	return nil
}

// loadFiltered reads one optional array, reshapes it to (rawFrames, dims...)
// and applies the convergence mask.
func (s *System) loadFiltered(name string, mask []bool, rawFrames int, dims ...int) (*Array, error) {
	arr, err := readArray(s.arrayPath(name))
	if err != nil {
		return nil, err
	}
	shape := append([]int{rawFrames}, dims...)
	if arr, err = arr.Reshape(shape...); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return arr.Filter(mask), nil
}

// stageTensors materializes the filtered arrays as gomlx tensors, the analog
// of pinning host memory for asynchronous device transfer.
func (s *System) stageTensors() {
	for _, a := range (&Batch{Label: s.label, Desc: s.desc, Force: s.force,
		Grad: s.grad, Orbital: s.orbital, OrbitalGrad: s.orbitalGrad}).Fields() {
		s.staged = append(s.staged, a.Tensor())
	}
}

// StagedTensors returns the transfer buffers prepared at load time, in field
// order. Empty for the plain energy field set.
func (s *System) StagedTensors() []*tensors.Tensor { return s.staged }

// Nframes returns the number of frames retained after filtering.
func (s *System) Nframes() int { return s.nframes }

// BatchSize returns the effective (possibly clamped) batch size.
func (s *System) BatchSize() int { return s.batchSize }

// Sample draws the next training batch using the system's sampling policy.
func (s *System) Sample() *Batch { return s.sampler.Sample() }

// SampleAll returns every retained frame in current storage order. The
// returned arrays are views; callers must not mutate them.
func (s *System) SampleAll() *Batch {
	return &Batch{
		Label:       s.label,
		Desc:        s.desc,
		Force:       s.force,
		Grad:        s.grad,
		Orbital:     s.orbital,
		OrbitalGrad: s.orbitalGrad,
	}
}

// slice copies frames [lo, hi) of every loaded array into a batch.
func (s *System) slice(lo, hi int) *Batch {
	b := &Batch{
		Label: s.label.SliceRows(lo, hi),
		Desc:  s.desc.SliceRows(lo, hi),
	}
	if s.force != nil {
		b.Force = s.force.SliceRows(lo, hi)
	}
	if s.grad != nil {
		b.Grad = s.grad.SliceRows(lo, hi)
	}
	if s.orbital != nil {
		b.Orbital = s.orbital.SliceRows(lo, hi)
	}
	if s.orbitalGrad != nil {
		b.OrbitalGrad = s.orbitalGrad.SliceRows(lo, hi)
	}
	return b
}

// gather copies the indexed frames of every loaded array into a batch.
func (s *System) gather(indices []int) *Batch {
	b := &Batch{
		Label: s.label.Take(indices),
		Desc:  s.desc.Take(indices),
	}
	if s.force != nil {
		b.Force = s.force.Take(indices)
	}
	if s.grad != nil {
		b.Grad = s.grad.Take(indices)
	}
	if s.orbital != nil {
		b.Orbital = s.orbital.Take(indices)
	}
	if s.orbitalGrad != nil {
		b.OrbitalGrad = s.orbitalGrad.Take(indices)
	}
	return b
}

// permute reorders every loaded array by perm. Fresh buffers are installed,
// so batches handed out earlier keep their data.
func (s *System) permute(perm []int) {
	s.label.Permute(perm)
	s.desc.Permute(perm)
	if s.force != nil {
		s.force.Permute(perm)
	}
	if s.grad != nil {
		s.grad.Permute(perm)
	}
	if s.orbital != nil {
		s.orbital.Permute(perm)
	}
	if s.orbitalGrad != nil {
		s.orbitalGrad.Permute(perm)
	}
}
