package dashboard

import (
	"bytes"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgsvg"

	"sleepywoodpecker/daqstream/internal/processing"
	"sleepywoodpecker/daqstream/internal/viewer"
)

const (
	plotWidth  = 8 * vg.Inch
	plotHeight = 4 * vg.Inch
)

// RenderSVG draws every series as a line against system time.
func RenderSVG(series []viewer.Series) ([]byte, error) {
	p := plot.New()
	p.Title.Text = "Live acquisition"
	p.X.Label.Text = processing.SystemTimeColumn + " (s)"
	p.Y.Label.Text = "Value"
	p.Add(plotter.NewGrid())

	for i, s := range series {
		n := len(s.X)
		if len(s.Y) < n {
			n = len(s.Y)
		}
		if n == 0 {
			continue
		}

		pts := make(plotter.XYs, n)
		for j := 0; j < n; j++ {
			pts[j].X = s.X[j]
			pts[j].Y = s.Y[j]
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, err
		}
		line.LineStyle.Width = vg.Points(1)
		line.LineStyle.Color = plotutil.Color(i)

		p.Add(line)
		p.Legend.Add(s.Name, line)
	}

	svg := vgsvg.New(plotWidth, plotHeight)
	c := draw.New(svg)
	p.Draw(c)

	buf := &bytes.Buffer{}
	if _, err := svg.WriteTo(buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
