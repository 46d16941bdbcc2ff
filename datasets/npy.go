package datasets

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sbinet/npyio"
)

// metaFile is the per-system metadata record. It holds whitespace-separated
// integers of which the first is the atom count and the last the number of
// descriptor projections per atom.
const metaFile = "system.raw"

// readArray loads one .npy file as a float64 Array. Files stored as float32
// are widened; Fortran-ordered files are rejected.
func readArray(path string) (*Array, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open array %s: %w", path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header of %s: %w", path, err)
	}
	if r.Header.Descr.Fortran {
		return nil, fmt.Errorf("%s: fortran-ordered arrays are not supported", path)
	}
	shape := append([]int(nil), r.Header.Descr.Shape...)
	if len(shape) == 0 {
		shape = []int{1} // 0-d scalar
	}

	var data []float64
	switch t := r.Header.Descr.Type; t {
	case "<f8", "f8", "float64":
		if err := r.Read(&data); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	case "<f4", "f4", "float32":
		var narrow []float32
		if err := r.Read(&narrow); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		data = make([]float64, len(narrow))
		for i, v := range narrow {
			data[i] = float64(v)
		}
	default:
		return nil, fmt.Errorf("%s: unsupported dtype %q, want float64 or float32", path, t)
	}
	return NewArray(data, shape...)
}

// readBoolArray loads a boolean .npy file (the convergence mask). Numeric
// arrays are accepted too, with nonzero meaning true.
func readBoolArray(path string) ([]bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open mask %s: %w", path, err)
	}
	defer f.Close()

	r, err := npyio.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read npy header of %s: %w", path, err)
	}
	if t := r.Header.Descr.Type; t == "|b1" || t == "b1" || t == "bool" {
		var mask []bool
		if err := r.Read(&mask); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		return mask, nil
	}
	// fall through for masks stored as numbers
	arr, err := readArray(path)
	if err != nil {
		return nil, err
	}
	mask := make([]bool, len(arr.Data))
	for i, v := range arr.Data {
		mask[i] = v != 0
	}
	return mask, nil
}

// readMeta parses the system.raw metadata record, returning the atom count
// and the per-atom projection count.
func readMeta(dir string) (natm, nproj int, err error) {
	raw, err := os.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return 0, 0, err
	}
	fields := strings.Fields(string(raw))
	if len(fields) == 0 {
		return 0, 0, fmt.Errorf("%s: empty metadata record", filepath.Join(dir, metaFile))
	}
	natm, err = strconv.Atoi(fields[0])
	if err != nil {
		return 0, 0, fmt.Errorf("%s: bad atom count %q: %w", metaFile, fields[0], err)
	}
	nproj, err = strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, 0, fmt.Errorf("%s: bad projection count %q: %w", metaFile, fields[len(fields)-1], err)
	}
	return natm, nproj, nil
}
