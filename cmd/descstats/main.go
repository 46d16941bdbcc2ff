// Command descstats loads one or more systems of delta-learning training
// data, reports the pooled descriptor statistics and the ridge-regression
// linear baseline, and optionally renders the per-channel mean/std as a plot.
//
// Example:
//
//	descstats -data ./water/sys1,./water/sys2 -batch 16 -sections 4,8 -plot stats.png
package main

import (
	"flag"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/Noofbiz/deltafit/datasets"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

func main() {
	dataPaths := flag.String("data", "", "comma-separated system directories (required)")
	batchSize := flag.Int("batch", 16, "per-system batch size")
	groupBatch := flag.Int("group-batch", 1, "systems per combined batch; >1 enables atom-count grouping")
	fields := flag.String("fields", "energy", "field set to load: energy, force or orbital")
	sections := flag.String("sections", "", "comma-separated symmetry section widths (optional)")
	alpha := flag.Float64("alpha", 1e-8, "ridge regularization strength")
	seed := flag.Int64("seed", 0, "sampling seed (0 = time-based)")
	noConv := flag.Bool("no-conv", false, "skip the convergence filter")
	plotOut := flag.String("plot", "", "if set, write a per-channel mean/std plot to this PNG path")
	flag.Parse()

	if *dataPaths == "" {
		log.Fatal("missing required -data flag")
	}
	paths := strings.Split(*dataPaths, ",")

	fieldSet, err := parseFields(*fields)
	if err != nil {
		log.Fatal(err)
	}
	symmSections, err := parseSections(*sections)
	if err != nil {
		log.Fatalf("bad -sections: %v", err)
	}

	reader, err := datasets.NewGroupedReader(paths, datasets.Config{
		BatchSize:    *batchSize,
		GroupBatch:   *groupBatch,
		Fields:       fieldSet,
		NoConvFilter: *noConv,
		Seed:         *seed,
	})
	if err != nil {
		log.Fatalf("failed to load systems: %v", err)
	}
	log.Printf("loaded %d systems, %d frames, %d descriptor channels",
		reader.NumSystems(), reader.TrainSize(), reader.Ndesc())
	for i, p := range reader.SystemProbs() {
		sys := reader.System(i)
		log.Printf("  %s: natm=%d nframes=%d batch=%d prob=%.4f",
			sys.Path, sys.Natm, sys.Nframes(), sys.BatchSize(), p)
	}

	mean, std, err := reader.ComputeStats(symmSections)
	if err != nil {
		log.Fatalf("failed to compute statistics: %v", err)
	}
	fmt.Printf("mean: %v\n", mean)
	fmt.Printf("std:  %v\n", std)

	weight, bias, err := reader.ComputePrefitting(mean, std, *alpha, symmSections)
	if err != nil {
		log.Fatalf("failed to compute prefitting: %v", err)
	}
	fmt.Printf("prefit weight: %v\n", weight)
	fmt.Printf("prefit bias:   %v\n", bias)

	if *plotOut != "" {
		if err := savePlot(mean, std, *plotOut); err != nil {
			log.Fatalf("failed to write plot: %v", err)
		}
		log.Printf("wrote %s", *plotOut)
	}
}

func parseFields(s string) (datasets.FieldSet, error) {
	switch s {
	case "energy":
		return datasets.FieldsEnergy, nil
	case "force":
		return datasets.FieldsForce, nil
	case "orbital":
		return datasets.FieldsOrbital, nil
	}
	return 0, fmt.Errorf("unknown -fields value %q, want energy, force or orbital", s)
}

func parseSections(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	sections := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		sections[i] = v
	}
	return sections, nil
}

// savePlot renders per-channel mean and std as two lines over the channel
// index.
func savePlot(mean, std []float64, path string) error {
	p := plot.New()
	p.Title.Text = "descriptor channel statistics"
	p.X.Label.Text = "channel"
	p.Y.Label.Text = "value"

	meanXY := make(plotter.XYs, len(mean))
	stdXY := make(plotter.XYs, len(std))
	for i := range mean {
		meanXY[i] = plotter.XY{X: float64(i), Y: mean[i]}
		stdXY[i] = plotter.XY{X: float64(i), Y: std[i]}
	}

	meanLine, err := plotter.NewLine(meanXY)
	if err != nil {
		return err
	}
	stdLine, err := plotter.NewLine(stdXY)
	if err != nil {
		return err
	}
	stdLine.LineStyle.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}
	p.Add(meanLine, stdLine)
	p.Legend.Add("mean", meanLine)
	p.Legend.Add("std", stdLine)

	return p.Save(8*vg.Inch, 4*vg.Inch, path)
}
