package visualization

import (
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/banshee-data/worldmodel/internal/security"
	"github.com/banshee-data/worldmodel/internal/worldmodel"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
)

// PlotOptions configures RenderPNG.
type PlotOptions struct {
	Title string
	Size  vg.Length // width and height
	Sigma float64   // ellipse scale, in standard deviations
	// IncludeDiscarded also draws discarded objects.
	IncludeDiscarded bool
}

func (o PlotOptions) withDefaults() PlotOptions {
	if o.Title == "" {
		o.Title = "World model"
	}
	if o.Size <= 0 {
		o.Size = 8 * vg.Inch
	}
	if o.Sigma <= 0 {
		o.Sigma = 2
	}
	return o
}

// groupByClass splits objects by class id. Classes are returned sorted so
// colours are stable between renders.
func groupByClass(objects []worldmodel.Object, includeDiscarded bool) ([]string, map[string][]worldmodel.Object) {
	groups := make(map[string][]worldmodel.Object)
	for _, obj := range objects {
		if obj.State == worldmodel.StateDiscarded && !includeDiscarded {
			continue
		}
		class := obj.Info.ClassID
		if class == "" {
			class = "unclassified"
		}
		groups[class] = append(groups[class], obj)
	}
	classes := make([]string, 0, len(groups))
	for c := range groups {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	return classes, groups
}

// NewPlot builds a top-down plot of objects: one coloured series per class,
// a confidence ellipse per object and the object ids as labels.
func NewPlot(objects []worldmodel.Object, o PlotOptions) (*plot.Plot, error) {
	o = o.withDefaults()
	p := plot.New()
	p.Title.Text = fmt.Sprintf("%s (%d objects)", o.Title, len(objects))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	classes, groups := groupByClass(objects, o.IncludeDiscarded)
	var labels plotter.XYLabels
	for i, class := range classes {
		col := plotutil.Color(i)
		members := groups[class]

		pts := make(plotter.XYs, 0, len(members))
		for _, obj := range members {
			pos := obj.Pose.Position
			pts = append(pts, plotter.XY{X: pos.X, Y: pos.Y})
			labels.XYs = append(labels.XYs, plotter.XY{X: pos.X, Y: pos.Y})
			labels.Labels = append(labels.Labels, obj.Info.ObjectID)

			ring := CovarianceEllipse(pos.X, pos.Y, obj.Covariance, o.Sigma).Points(48)
			outline := make(plotter.XYs, len(ring))
			for j, pt := range ring {
				outline[j] = plotter.XY{X: pt[0], Y: pt[1]}
			}
			line, err := plotter.NewLine(outline)
			if err != nil {
				return nil, fmt.Errorf("failed to build ellipse for %s: %w", obj.Info.ObjectID, err)
			}
			line.Color = col
			line.Width = vg.Points(1)
			if obj.State == worldmodel.StateDiscarded {
				line.Dashes = []vg.Length{vg.Points(3), vg.Points(3)}
			}
			p.Add(line)
		}

		scatter, err := plotter.NewScatter(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to build %s series: %w", class, err)
		}
		scatter.GlyphStyle.Color = col
		scatter.GlyphStyle.Shape = draw.CircleGlyph{}
		scatter.GlyphStyle.Radius = vg.Points(3)
		p.Add(scatter)
		p.Legend.Add(class, scatter)
	}

	if len(labels.XYs) > 0 {
		l, err := plotter.NewLabels(labels)
		if err != nil {
			return nil, fmt.Errorf("failed to build labels: %w", err)
		}
		p.Add(l)
	}
	p.Legend.Top = true
	return p, nil
}

// RenderPNG writes the plot of objects as a PNG image.
func RenderPNG(w io.Writer, objects []worldmodel.Object, o PlotOptions) error {
	o = o.withDefaults()
	p, err := NewPlot(objects, o)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(o.Size, o.Size, "png")
	if err != nil {
		return fmt.Errorf("failed to create png writer: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to render png: %w", err)
	}
	return nil
}

// SavePNG renders objects to dir/name.png and returns the path. name is
// sanitised and the result must stay inside dir.
func SavePNG(dir, name string, objects []worldmodel.Object, o PlotOptions) (string, error) {
	return save(dir, name, ".png", func(w io.Writer) error { return RenderPNG(w, objects, o) })
}

func save(dir, name, ext string, render func(io.Writer) error) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create output dir: %w", err)
	}
	path, err := security.ExportPath(dir, name, ext)
	if err != nil {
		return "", err
	}
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	if err := render(f); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("failed to close %s: %w", path, err)
	}
	return path, nil
}
