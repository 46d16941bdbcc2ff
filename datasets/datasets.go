// Package datasets loads and samples per-structure training data for
// delta-learning models.
//
// A "system" is one directory of frame-aligned NumPy arrays: a scalar energy
// label per frame, a per-atom descriptor tensor, and optionally force and
// orbital labels with their descriptor-gradient tensors. Systems are loaded
// into memory once, filtered by an optional convergence mask, and then
// sampled into randomized mini-batches. A GroupedReader owns a collection of
// systems, draws batches from them weighted by size, can concatenate batches
// across systems sharing an atom count, and computes the two closed-form
// statistics used to initialize training: per-channel normalization and a
// ridge-regression linear baseline.
//
// Batches are plain float64 buffers with shape metadata (see Array); use
// Batch.Tensors or GroupedReader.Yield to hand them to a gomlx training loop.
package datasets

import "github.com/gomlx/gomlx/pkg/core/tensors"

// FieldSet selects which optional arrays a System loads alongside the energy
// label and the descriptor.
type FieldSet int

const (
	// FieldsEnergy loads only the energy label and the descriptor.
	FieldsEnergy FieldSet = iota
	// FieldsForce additionally loads the force label and the descriptor
	// gradient.
	FieldsForce
	// FieldsOrbital additionally loads the orbital label and the orbital
	// descriptor gradient on top of FieldsForce.
	FieldsOrbital
)

// Default array names, matching the files the delta-learning pipeline writes.
const (
	DefaultLabelName       = "l_e_delta"
	DefaultDescName        = "dm_eig"
	DefaultForceName       = "l_f_delta"
	DefaultGradName        = "grad_vx"
	DefaultOrbitalName     = "l_o_delta"
	DefaultOrbitalGradName = "orbital_precalc"
	DefaultConvName        = "conv"
)

// Config controls how systems are loaded and sampled. The zero value is
// usable: defaults are filled in by the constructors.
type Config struct {
	// BatchSize is the per-system mini-batch size. Default 1. A system
	// smaller than this clamps its own batch size down to its frame count.
	BatchSize int

	// GroupBatch is how many same-atom-count systems are drawn and
	// concatenated per combined batch. Values <= 1 disable grouping.
	GroupBatch int

	// Fields selects the optional arrays to load.
	Fields FieldSet

	// NoConvFilter disables the convergence mask; all frames are kept.
	NoConvFilter bool

	// Seed for all sampling randomness. If zero, a time-based seed is used.
	Seed int64

	// Array name overrides. Empty fields use the Default* names. DescNames
	// may list several descriptor sources; they are concatenated along the
	// channel axis.
	LabelName       string
	DescNames       []string
	ForceName       string
	GradName        string
	OrbitalName     string
	OrbitalGradName string
	ConvName        string
}

// withDefaults returns cfg with zero values replaced by defaults.
func (cfg Config) withDefaults() Config {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}
	if cfg.GroupBatch < 1 {
		cfg.GroupBatch = 1
	}
	if cfg.LabelName == "" {
		cfg.LabelName = DefaultLabelName
	}
	if len(cfg.DescNames) == 0 {
		cfg.DescNames = []string{DefaultDescName}
	}
	if cfg.ForceName == "" {
		cfg.ForceName = DefaultForceName
	}
	if cfg.GradName == "" {
		cfg.GradName = DefaultGradName
	}
	if cfg.OrbitalName == "" {
		cfg.OrbitalName = DefaultOrbitalName
	}
	if cfg.OrbitalGradName == "" {
		cfg.OrbitalGradName = DefaultOrbitalGradName
	}
	if cfg.ConvName == "" {
		cfg.ConvName = DefaultConvName
	}
	return cfg
}

// Batch is one sampled mini-batch. Label and Desc are always set; the other
// fields are nil unless the owning system was loaded with the corresponding
// FieldSet. All non-nil fields share the same leading (frame) dimension.
type Batch struct {
	Label       *Array // (frames, 1)
	Desc        *Array // (frames, natm, ndesc)
	Force       *Array // (frames, natm, 3)
	Grad        *Array // (frames, natm, 3, natm, ndesc)
	Orbital     *Array // (frames, k)
	OrbitalGrad *Array // (frames, k, natm, ndesc)
}

// NumFrames returns the leading dimension shared by all fields.
func (b *Batch) NumFrames() int { return b.Label.Rows() }

// Fields returns the non-nil fields in their fixed order: label, descriptor,
// force, gradient, orbital, orbital gradient.
func (b *Batch) Fields() []*Array {
	all := []*Array{b.Label, b.Desc, b.Force, b.Grad, b.Orbital, b.OrbitalGrad}
	out := make([]*Array, 0, len(all))
	for _, a := range all {
		if a != nil {
			out = append(out, a)
		}
	}
	return out
}

// Tensors converts the batch for a gomlx training loop. Inputs are the model
// inputs (descriptor and the gradient tensors); labels are the supervised
// targets (energy, force and orbital labels).
func (b *Batch) Tensors() (inputs, labels []*tensors.Tensor) {
	inputs = append(inputs, b.Desc.Tensor())
	labels = append(labels, b.Label.Tensor())
	if b.Grad != nil {
		inputs = append(inputs, b.Grad.Tensor())
	}
	if b.Force != nil {
		labels = append(labels, b.Force.Tensor())
	}
	if b.OrbitalGrad != nil {
		inputs = append(inputs, b.OrbitalGrad.Tensor())
	}
	if b.Orbital != nil {
		labels = append(labels, b.Orbital.Tensor())
	}
	return inputs, labels
}

// concatBatches concatenates same-field batches along the frame axis.
func concatBatches(parts []*Batch) (*Batch, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	cat := func(pick func(*Batch) *Array) (*Array, error) {
		if pick(parts[0]) == nil {
			return nil, nil
		}
		arrays := make([]*Array, len(parts))
		for i, p := range parts {
			arrays[i] = pick(p)
		}
		return ConcatRows(arrays...)
	}
	var out Batch
	var err error
	if out.Label, err = cat(func(b *Batch) *Array { return b.Label }); err != nil {
		return nil, err
	}
	if out.Desc, err = cat(func(b *Batch) *Array { return b.Desc }); err != nil {
		return nil, err
	}
	if out.Force, err = cat(func(b *Batch) *Array { return b.Force }); err != nil {
		return nil, err
	}
	if out.Grad, err = cat(func(b *Batch) *Array { return b.Grad }); err != nil {
		return nil, err
	}
	if out.Orbital, err = cat(func(b *Batch) *Array { return b.Orbital }); err != nil {
		return nil, err
	}
	if out.OrbitalGrad, err = cat(func(b *Batch) *Array { return b.OrbitalGrad }); err != nil {
		return nil, err
	}
	return &out, nil
}
