// grid-preview renders the capture grid a given configuration would
// produce: a text table on stdout and an HTML scatter chart marking safe
// and unsafe positions. Useful for sanity-checking grid settings before
// a print.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/printwatch/layercapture/internal/capture"
	"github.com/printwatch/layercapture/internal/config"
)

var (
	settingsPath = flag.String("config", "", "Path to settings JSON file (defaults apply if empty)")
	zHeight      = flag.Float64("z", 2.0, "Layer Z height to plan the grid at")
	output       = flag.String("o", "grid-preview.html", "Output HTML file")
)

func main() {
	flag.Parse()

	settings := config.EmptySettings()
	if *settingsPath != "" {
		var err error
		settings, err = config.Load(*settingsPath)
		if err != nil {
			log.Fatalf("failed to load settings: %v", err)
		}
	}

	grid := capture.GridConfig{
		CenterX:     settings.GetGridCenterX(),
		CenterY:     settings.GetGridCenterY(),
		CenterZ:     settings.GetGridCenterZ(),
		SpacingX:    settings.GetGridSpacingX(),
		SpacingY:    settings.GetGridSpacingY(),
		SpacingZ:    settings.GetGridSpacingZ(),
		SizeX:       settings.GetGridSizeX(),
		SizeY:       settings.GetGridSizeY(),
		SizeZ:       settings.GetGridSizeZ(),
		BaseZOffset: settings.GetZOffset(),
	}
	limits := capture.BedLimits{
		MaxX:   settings.GetBedMaxX(),
		MaxY:   settings.GetBedMaxY(),
		MaxZ:   settings.GetMaxZHeight(),
		Margin: settings.GetBoundaryMargin(),
	}

	if err := grid.Validate(); err != nil {
		log.Fatalf("invalid grid: %v", err)
	}
	if err := limits.Validate(); err != nil {
		log.Fatalf("invalid bed limits: %v", err)
	}

	positions := capture.Plan(grid, limits, *zHeight)

	safeCount := 0
	fmt.Printf("%-6s %-12s %-10s %-10s %-10s %s\n", "index", "grid", "x", "y", "z", "safe")
	for i, p := range positions {
		fmt.Printf("%-6d (%2d,%2d,%2d)   %-10.2f %-10.2f %-10.2f %v\n",
			i, p.IX, p.IY, p.IZ, p.X, p.Y, p.Z, p.Safe)
		if p.Safe {
			safeCount++
		}
	}
	fmt.Printf("\n%d positions planned, %d safe, %d unsafe\n",
		len(positions), safeCount, len(positions)-safeCount)

	if err := renderChart(positions, limits, *output); err != nil {
		log.Fatalf("failed to render chart: %v", err)
	}
	fmt.Printf("wrote %s\n", *output)
}

// renderChart writes an XY scatter of the planned grid, safe positions
// in green and unsafe in red, with the usable bed area as axis bounds.
func renderChart(positions []capture.GridPosition, limits capture.BedLimits, path string) error {
	var safe, unsafe []opts.ScatterData
	for _, p := range positions {
		point := opts.ScatterData{Value: []interface{}{p.X, p.Y}}
		if p.Safe {
			safe = append(safe, point)
		} else {
			unsafe = append(unsafe, point)
		}
	}

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Capture Grid Preview", Width: "800px", Height: "700px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    "Capture Grid Preview",
			Subtitle: fmt.Sprintf("bed %gx%g margin %g", limits.MaxX, limits.MaxY, limits.Margin),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: 0, Max: limits.MaxX, Name: "X (mm)"}),
		charts.WithYAxisOpts(opts.YAxis{Min: 0, Max: limits.MaxY, Name: "Y (mm)"}),
	)

	scatter.AddSeries("safe", safe,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#2e7d32"}))
	scatter.AddSeries("unsafe", unsafe,
		charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}),
		charts.WithItemStyleOpts(opts.ItemStyle{Color: "#c62828"}))

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return scatter.Render(f)
}
