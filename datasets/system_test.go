package datasets

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// newSystemDir creates a fresh system directory with metadata, a label array
// and a ramp-valued descriptor. frames is taken from len(labels).
func newSystemDir(t *testing.T, natm, nproj int, labels []float64) string {
	t.Helper()
	return newNamedSystemDir(t, t.TempDir(), "sys", natm, nproj, labels)
}

// newNamedSystemDir is newSystemDir with the parent directory and system name
// chosen by the caller, for tests that build several systems side by side.
func newNamedSystemDir(t *testing.T, root, name string, natm, nproj int, labels []float64) string {
	t.Helper()
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create system dir: %v", err)
	}
	frames := len(labels)
	writeMeta(t, dir, natm, nproj)
	writeNpy(t, filepath.Join(dir, DefaultLabelName+".npy"), []int{frames}, labels)
	writeNpy(t, filepath.Join(dir, DefaultDescName+".npy"),
		[]int{frames, natm, nproj}, ramp(frames*natm*nproj))
	return dir
}

// addForceArrays writes the force label and descriptor gradient.
func addForceArrays(t *testing.T, dir string, frames, natm, ndesc int) {
	t.Helper()
	writeNpy(t, filepath.Join(dir, DefaultForceName+".npy"),
		[]int{frames, natm, 3}, ramp(frames*natm*3))
	writeNpy(t, filepath.Join(dir, DefaultGradName+".npy"),
		[]int{frames, natm, 3, natm, ndesc}, ramp(frames*natm*3*natm*ndesc))
}

// addOrbitalArrays writes the orbital label and orbital gradient with k
// orbitals per frame.
func addOrbitalArrays(t *testing.T, dir string, frames, k, natm, ndesc int) {
	t.Helper()
	writeNpy(t, filepath.Join(dir, DefaultOrbitalName+".npy"),
		[]int{frames, k}, ramp(frames*k))
	writeNpy(t, filepath.Join(dir, DefaultOrbitalGradName+".npy"),
		[]int{frames, k, natm, ndesc}, ramp(frames*k*natm*ndesc))
}

func TestSystemFrameAlignmentAllFieldSets(t *testing.T) {
	const natm, nproj, frames, k = 2, 3, 4, 2
	mask := []bool{true, true, false, true}

	dir := newSystemDir(t, natm, nproj, ramp(frames))
	writeNpyBool(t, filepath.Join(dir, DefaultConvName+".npy"), mask)
	addForceArrays(t, dir, frames, natm, nproj)
	addOrbitalArrays(t, dir, frames, k, natm, nproj)

	for _, fields := range []FieldSet{FieldsEnergy, FieldsForce, FieldsOrbital} {
		sys, err := NewSystem(dir, Config{BatchSize: 2, Fields: fields, Seed: 1})
		if err != nil {
			t.Fatalf("NewSystem(fields=%d) failed: %v", fields, err)
		}
		if sys.Nframes() != 3 {
			t.Fatalf("fields=%d: expected 3 retained frames, got %d", fields, sys.Nframes())
		}
		for i, arr := range sys.SampleAll().Fields() {
			if arr.Rows() != 3 {
				t.Fatalf("fields=%d: field %d has leading dim %d, want 3", fields, i, arr.Rows())
			}
		}
	}

	sys, err := NewSystem(dir, Config{BatchSize: 2, Fields: FieldsOrbital, Seed: 1})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	if sys.Natm != natm || sys.Nproj != nproj || sys.Ndesc != nproj {
		t.Fatalf("unexpected metadata: natm=%d nproj=%d ndesc=%d", sys.Natm, sys.Nproj, sys.Ndesc)
	}

	all := sys.SampleAll()
	wantDesc := []int{3, natm, nproj}
	for i, d := range wantDesc {
		if all.Desc.Shape[i] != d {
			t.Fatalf("desc shape %v, want %v", all.Desc.Shape, wantDesc)
		}
	}
	wantGrad := []int{3, natm, 3, natm, nproj}
	for i, d := range wantGrad {
		if all.Grad.Shape[i] != d {
			t.Fatalf("grad shape %v, want %v", all.Grad.Shape, wantGrad)
		}
	}
	if all.Orbital.Shape[1] != k {
		t.Fatalf("orbital k=%d, want %d", all.Orbital.Shape[1], k)
	}
	if all.OrbitalGrad.Shape[1] != k || all.OrbitalGrad.Shape[3] != nproj {
		t.Fatalf("orbital grad shape %v", all.OrbitalGrad.Shape)
	}

	// row 2 of the filtered descriptor is original frame 3
	rowSize := natm * nproj
	want := float64(3 * rowSize)
	if got := all.Desc.Data[2*rowSize]; got != want {
		t.Fatalf("filtered desc row 2 starts with %v, want %v", got, want)
	}

	// force/orbital variants pre-stage transfer buffers for every field
	if staged := sys.StagedTensors(); len(staged) != 6 {
		t.Fatalf("expected 6 staged tensors, got %d", len(staged))
	}
}

func TestSystemClampsBatchSize(t *testing.T) {
	dir := newSystemDir(t, 1, 2, ramp(3))
	writeNpyBool(t, filepath.Join(dir, DefaultConvName+".npy"), []bool{true, true, true})

	sys, err := NewSystem(dir, Config{BatchSize: 10, Seed: 1})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	if sys.Nframes() != 3 {
		t.Fatalf("expected nframes 3, got %d", sys.Nframes())
	}
	if sys.BatchSize() != 3 {
		t.Fatalf("expected clamped batch size 3, got %d", sys.BatchSize())
	}
	if got := sys.Sample().NumFrames(); got != 3 {
		t.Fatalf("clamped sample has %d frames, want 3", got)
	}
}

func TestSystemInfersMetaFromDescriptor(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sys")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create system dir: %v", err)
	}
	writeNpy(t, filepath.Join(dir, DefaultLabelName+".npy"), []int{4}, ramp(4))
	writeNpy(t, filepath.Join(dir, DefaultDescName+".npy"), []int{4, 2, 3}, ramp(24))

	sys, err := NewSystem(dir, Config{BatchSize: 2, NoConvFilter: true, Seed: 1})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	if sys.Natm != 2 || sys.Nproj != 3 {
		t.Fatalf("inferred natm=%d nproj=%d, want 2, 3", sys.Natm, sys.Nproj)
	}
}

func TestSystemInferMetaRejectsWrongRank(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "sys")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("failed to create system dir: %v", err)
	}
	writeNpy(t, filepath.Join(dir, DefaultLabelName+".npy"), []int{4}, ramp(4))
	writeNpy(t, filepath.Join(dir, DefaultDescName+".npy"), []int{4, 6}, ramp(24))

	_, err := NewSystem(dir, Config{BatchSize: 2, NoConvFilter: true, Seed: 1})
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSystemConcatenatesDescriptorSources(t *testing.T) {
	const natm, nproj, frames = 1, 2, 2
	dir := newSystemDir(t, natm, nproj, ramp(frames))
	extra := make([]float64, frames*natm*nproj)
	for i := range extra {
		extra[i] = 10 + float64(i)
	}
	writeNpy(t, filepath.Join(dir, "dm_extra.npy"), []int{frames, natm, nproj}, extra)

	sys, err := NewSystem(dir, Config{
		BatchSize:    1,
		DescNames:    []string{DefaultDescName, "dm_extra"},
		NoConvFilter: true,
		Seed:         1,
	})
	if err != nil {
		t.Fatalf("NewSystem failed: %v", err)
	}
	if sys.Ndesc != 2*nproj {
		t.Fatalf("combined ndesc=%d, want %d", sys.Ndesc, 2*nproj)
	}
	// frame 0, atom 0: channels of the first source, then the second
	got := sys.SampleAll().Desc.Data[:4]
	want := []float64{0, 1, 10, 11}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("combined descriptor row %v, want %v", got, want)
		}
	}
}

func TestSystemMissingArrayFails(t *testing.T) {
	dir := newSystemDir(t, 1, 2, ramp(3))
	_, err := NewSystem(dir, Config{BatchSize: 1, Fields: FieldsForce, NoConvFilter: true, Seed: 1})
	if err == nil {
		t.Fatal("expected error for missing force array, got nil")
	}
}
