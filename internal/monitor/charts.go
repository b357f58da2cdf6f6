package monitor

import (
	"bytes"
	"fmt"
	"image/color"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/ftsensor/internal/httputil"
	"github.com/banshee-data/ftsensor/internal/sensor"
)

var axisNames = [3]string{"x", "y", "z"}

var axisColors = [6]color.RGBA{
	{R: 0xd6, G: 0x27, B: 0x28, A: 0xff},
	{R: 0x2c, G: 0xa0, B: 0x2c, A: 0xff},
	{R: 0x1f, G: 0x77, B: 0xb4, A: 0xff},
	{R: 0xff, G: 0x7f, B: 0x0e, A: 0xff},
	{R: 0x94, G: 0x67, B: 0xbd, A: 0xff},
	{R: 0x17, G: 0xbe, B: 0xcf, A: 0xff},
}

// loadSeries splits readings into six per-axis value slices, optionally
// subtracting bias: force x, y, z then torque x, y, z.
func loadSeries(readings []sensor.Reading, bias *sensor.Bias) [6][]float64 {
	var out [6][]float64
	for i := range out {
		out[i] = make([]float64, len(readings))
	}
	for j, r := range readings {
		f, t := r.Force, r.Torque
		if bias != nil {
			f = f.Sub(bias.Force)
			t = t.Sub(bias.Torque)
		}
		for a := 0; a < 3; a++ {
			out[a][j] = f[a]
			out[3+a][j] = t[a]
		}
	}
	return out
}

func seriesLabel(i int) string {
	if i < 3 {
		return "F" + axisNames[i]
	}
	return "T" + axisNames[i-3]
}

// handleLoadChart renders the buffered series as an interactive HTML line
// chart. Query params: n (readings, default all), unbiased=1.
func (ws *WebServer) handleLoadChart(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	readings := ws.series.Last(n)
	var bias *sensor.Bias
	if r.URL.Query().Get("unbiased") == "1" {
		b := ws.sensor.Bias()
		bias = &b
	}
	values := loadSeries(readings, bias)

	xAxis := make([]uint32, len(readings))
	for i, rd := range readings {
		xAxis[i] = rd.Sequence
	}

	host, port := ws.sensor.Addr()
	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "Force/Torque", Width: "100%", Height: "640px"}),
		charts.WithTitleOpts(opts.Title{Title: "Force/Torque", Subtitle: fmt.Sprintf("device=%s:%d readings=%d", host, port, len(readings))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "seq", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "load"}),
	)
	line.SetXAxis(xAxis)
	for i, v := range values {
		data := make([]opts.LineData, len(v))
		for j, y := range v {
			data[j] = opts.LineData{Value: y}
		}
		line.AddSeries(seriesLabel(i), data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(buf.Bytes())
}

// renderLoadPlot draws force and torque against sequence number as a PNG.
func renderLoadPlot(readings []sensor.Reading, bias *sensor.Bias, width, height vg.Length) (*bytes.Buffer, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Force/Torque (%d readings)", len(readings))
	p.X.Label.Text = "seq"
	p.Y.Label.Text = "load"
	p.Add(plotter.NewGrid())

	values := loadSeries(readings, bias)
	for i, v := range values {
		pts := make(plotter.XYs, len(v))
		for j, y := range v {
			pts[j] = plotter.XY{X: float64(readings[j].Sequence), Y: y}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("failed to create line %s: %w", seriesLabel(i), err)
		}
		line.Color = axisColors[i]
		line.Width = vg.Points(1)
		p.Add(line)
		p.Legend.Add(seriesLabel(i), line)
	}
	p.Legend.Top = true
	p.Legend.Left = false

	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := wt.WriteTo(&buf); err != nil {
		return nil, err
	}
	return &buf, nil
}

func (ws *WebServer) handleLoadPlot(w http.ResponseWriter, r *http.Request) {
	n, err := intParam(r, "n", 0)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	readings := ws.series.Last(n)
	if len(readings) == 0 {
		httputil.NotFound(w, "no buffered readings")
		return
	}
	var bias *sensor.Bias
	if r.URL.Query().Get("unbiased") == "1" {
		b := ws.sensor.Bias()
		bias = &b
	}
	buf, err := renderLoadPlot(readings, bias, 12*vg.Inch, 5*vg.Inch)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render plot: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(buf.Bytes())
}
