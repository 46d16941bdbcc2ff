package datasets

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ComputeStats pools the descriptor tensors of all systems, flattened to
// (frames*atoms, channels) rows, and returns the per-channel mean and
// population standard deviation.
//
// With symmSections, the channel axis is partitioned into contiguous groups
// treated as statistically equivalent: one scalar mean/std is computed per
// section over all of its rows and channels, then broadcast back across the
// section's width. Sections must sum to the channel count.
func (g *GroupedReader) ComputeStats(symmSections []int) (mean, std []float64, err error) {
	if symmSections != nil {
		if err := checkSections(symmSections, g.ndesc); err != nil {
			return nil, nil, err
		}
	}

	mean = make([]float64, g.ndesc)
	std = make([]float64, g.ndesc)
	rows := 0
	for _, sys := range g.systems {
		rows += sys.Nframes() * sys.Natm
	}

	// per-channel sums over the pooled rows
	sum := make([]float64, g.ndesc)
	sumSq := make([]float64, g.ndesc)
	for _, sys := range g.systems {
		d := sys.desc.Data
		for i := 0; i < len(d); i += g.ndesc {
			for c := 0; c < g.ndesc; c++ {
				v := d[i+c]
				sum[c] += v
				sumSq[c] += v * v
			}
		}
	}

	if symmSections == nil {
		for c := 0; c < g.ndesc; c++ {
			m := sum[c] / float64(rows)
			mean[c] = m
			std[c] = math.Sqrt(sumSq[c]/float64(rows) - m*m)
		}
		return mean, std, nil
	}

	lo := 0
	for _, width := range symmSections {
		count := float64(rows * width)
		m := floats.Sum(sum[lo:lo+width]) / count
		v := floats.Sum(sumSq[lo:lo+width])/count - m*m
		sd := math.Sqrt(v)
		for c := lo; c < lo+width; c++ {
			mean[c] = m
			std[c] = sd
		}
		lo += width
	}
	return mean, std, nil
}

// ComputePrefitting fits a linear baseline mapping the per-frame summed,
// normalized descriptor feature plus the atom count to the energy label, by
// closed-form ridge regression pooled over all systems. It returns the
// per-channel weight vector and the scalar bias.
//
// A nil shift or scale is computed via ComputeStats (honoring symmSections).
// With symmSections each section's channels are additionally summed into one
// feature, and the fitted per-section weight is expanded back across the
// section afterwards; this reduced system tends to be under-determined, so
// ridgeAlpha must be nonzero there. The bias column is never penalized.
func (g *GroupedReader) ComputePrefitting(shift, scale []float64, ridgeAlpha float64, symmSections []int) (weight []float64, bias float64, err error) {
	if shift == nil || scale == nil {
		allMean, allStd, err := g.ComputeStats(symmSections)
		if err != nil {
			return nil, 0, err
		}
		if shift == nil {
			shift = allMean
		}
		if scale == nil {
			scale = allStd
		}
	}

	nfeat := g.ndesc
	if symmSections != nil {
		if err := checkSections(symmSections, g.ndesc); err != nil {
			return nil, 0, err
		}
		nfeat = len(symmSections)
	}

	rows := g.total
	x := mat.NewDense(rows, nfeat+1, nil)
	y := mat.NewVecDense(rows, nil)

	row := 0
	feat := make([]float64, g.ndesc)
	for _, sys := range g.systems {
		d := sys.desc.Data
		for f := 0; f < sys.Nframes(); f++ {
			// normalized descriptor summed over the atom axis
			for c := range feat {
				feat[c] = 0
			}
			base := f * sys.Natm * g.ndesc
			for at := 0; at < sys.Natm; at++ {
				off := base + at*g.ndesc
				for c := 0; c < g.ndesc; c++ {
					feat[c] += (d[off+c] - shift[c]) / scale[c]
				}
			}
			if symmSections == nil {
				x.SetRow(row, append(append([]float64(nil), feat...), float64(sys.Natm)))
			} else {
				reduced := make([]float64, nfeat+1)
				lo := 0
				for si, width := range symmSections {
					reduced[si] = floats.Sum(feat[lo : lo+width])
					lo += width
				}
				reduced[nfeat] = float64(sys.Natm)
				x.SetRow(row, reduced)
			}
			y.SetVec(row, sys.label.Data[f])
			row++
		}
	}

	// regularized normal equations; the bias diagonal entry stays zero
	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < nfeat; i++ {
		xtx.Set(i, i, xtx.At(i, i)+ridgeAlpha)
	}
	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var coef mat.VecDense
	if err := coef.SolveVec(&xtx, &xty); err != nil {
		return nil, 0, fmt.Errorf("prefitting solve failed: %w", err)
	}

	bias = coef.AtVec(nfeat)
	if symmSections == nil {
		weight = make([]float64, g.ndesc)
		for c := 0; c < g.ndesc; c++ {
			weight[c] = coef.AtVec(c)
		}
		return weight, bias, nil
	}
	// expand the per-section weight back to full channel width
	weight = make([]float64, 0, g.ndesc)
	for si, width := range symmSections {
		w := coef.AtVec(si)
		for c := 0; c < width; c++ {
			weight = append(weight, w)
		}
	}
	return weight, bias, nil
}

func checkSections(sections []int, ndesc int) error {
	total := 0
	for _, s := range sections {
		total += s
	}
	if total != ndesc {
		return fmt.Errorf("%w: sections %v sum to %d, want %d", ErrSymmSections, sections, total, ndesc)
	}
	return nil
}
