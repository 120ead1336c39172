package visualization

import (
	"fmt"
	"io"
	"math"

	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// ChartOptions configures RenderHTML.
type ChartOptions struct {
	Title            string
	IncludeDiscarded bool
}

// symbolSize maps support onto a readable marker size.
func symbolSize(support float64) int {
	if support <= 1 {
		return 6
	}
	return 6 + int(math.Min(24, 12*math.Log10(support)))
}

// NewScatter builds an interactive top-down scatter of objects with one
// series per class. Marker size grows with support.
func NewScatter(objects []worldmodel.Object, o ChartOptions) *charts.Scatter {
	if o.Title == "" {
		o.Title = "World model"
	}
	classes, groups := groupByClass(objects, o.IncludeDiscarded)

	pad := 5.0
	for _, obj := range objects {
		pos := obj.Pose.Position
		pad = math.Max(pad, math.Max(math.Abs(pos.X), math.Abs(pos.Y))+1)
	}
	pad = math.Ceil(pad)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: o.Title, Theme: "dark", Width: "900px", Height: "900px"}),
		charts.WithTitleOpts(opts.Title{Title: o.Title, Subtitle: fmt.Sprintf("objects=%d classes=%d", len(objects), len(classes))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)

	for _, class := range classes {
		members := groups[class]
		data := make([]opts.ScatterData, 0, len(members))
		for _, obj := range members {
			pos := obj.Pose.Position
			data = append(data, opts.ScatterData{
				Name:       fmt.Sprintf("%s (%s, support %.1f)", obj.Info.ObjectID, obj.State, obj.Info.Support),
				Value:      []interface{}{pos.X, pos.Y, pos.Z},
				SymbolSize: symbolSize(obj.Info.Support),
			})
		}
		scatter.AddSeries(class, data)
	}
	return scatter
}

// RenderHTML writes the scatter of objects as a standalone HTML page.
func RenderHTML(w io.Writer, objects []worldmodel.Object, o ChartOptions) error {
	if err := NewScatter(objects, o).Render(w); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	return nil
}

// SaveHTML renders objects to dir/name.html and returns the path.
func SaveHTML(dir, name string, objects []worldmodel.Object, o ChartOptions) (string, error) {
	return save(dir, name, ".html", func(w io.Writer) error { return RenderHTML(w, objects, o) })
}
