// Package report renders a finished run as a self-contained HTML page of
// go-echarts charts: per-sensor accounting, filter reasons and batch sizes.
package report

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/slamfeed/internal/batch"
	"github.com/banshee-data/slamfeed/internal/filter"
	"github.com/banshee-data/slamfeed/internal/pipeline"
)

// DefaultAssetsHost serves the echarts javascript.
const DefaultAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

// BatchPoint is what the report keeps of a delivered batch.
type BatchPoint struct {
	Seq      int
	Elements int
	Bytes    int64
	Cap      int64
	FirstTS  int64
	LastTS   int64
}

// Collector is a pipeline consumer that remembers batch sizes for the
// report and forwards each batch to the next consumer.
type Collector struct {
	next pipeline.Consumer

	mu     sync.Mutex
	points []BatchPoint
}

// NewCollector wraps next, which may be nil.
func NewCollector(next pipeline.Consumer) *Collector {
	return &Collector{next: next}
}

// Consume records b and forwards it.
func (c *Collector) Consume(ctx context.Context, b *batch.Batch) error {
	first, last, _ := b.Bounds()
	c.mu.Lock()
	c.points = append(c.points, BatchPoint{
		Seq: b.Seq, Elements: b.Len(), Bytes: b.Size(), Cap: b.Cap, FirstTS: first, LastTS: last,
	})
	c.mu.Unlock()
	if c.next == nil {
		return nil
	}
	return c.next.Consume(ctx, b)
}

// Points returns the recorded batches in delivery order.
func (c *Collector) Points() []BatchPoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]BatchPoint(nil), c.points...)
}

// Options controls rendering.
type Options struct {
	// AssetsHost overrides DefaultAssetsHost, e.g. for an offline mirror.
	AssetsHost string
	Theme      string
}

// Render writes the report page for s to w.
func Render(w io.Writer, s pipeline.Summary, points []BatchPoint, o Options) error {
	if o.AssetsHost == "" {
		o.AssetsHost = DefaultAssetsHost
	}

	page := components.NewPage()
	page.PageTitle = fmt.Sprintf("slamfeed run %s", s.RunID)
	page.SetAssetsHost(o.AssetsHost)
	page.AddCharts(
		accountingChart(s, o),
		filteredChart(s, o),
		batchChart(s, points, o),
	)
	return page.Render(w)
}

// WriteFile renders the report to path.
func WriteFile(path string, s pipeline.Summary, points []BatchPoint, o Options) error {
	var buf bytes.Buffer
	if err := Render(&buf, s, points, o); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func initOpts(o Options, title string) opts.Initialization {
	return opts.Initialization{
		PageTitle:  title,
		Theme:      o.Theme,
		Width:      "100%",
		Height:     "480px",
		AssetsHost: o.AssetsHost,
	}
}

func subtitle(s pipeline.Summary) string {
	sub := fmt.Sprintf("experiment=%s status=%s duration=%s", s.Experiment, s.Status, s.Duration().Round(time.Millisecond))
	if s.StopReason != "" {
		sub += " stop=" + string(s.StopReason)
	}
	return sub
}

// accountingChart stacks every raw record of a sensor into delivered,
// filtered and undecodable.
func accountingChart(s pipeline.Summary, o Options) *charts.Bar {
	names := make([]string, len(s.Streams))
	delivered := make([]opts.BarData, len(s.Streams))
	filtered := make([]opts.BarData, len(s.Streams))
	decode := make([]opts.BarData, len(s.Streams))
	for i, st := range s.Streams {
		names[i] = fmt.Sprintf("%s (%s)", st.Sensor, st.State)
		delivered[i] = opts.BarData{Value: st.Stats.Elements}
		filtered[i] = opts.BarData{Value: st.Stats.FilteredTotal()}
		decode[i] = opts.BarData{Value: st.Stats.DecodeErrors}
	}

	bar := charts.NewBar()
	bar.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(o, "Records per sensor")),
		charts.WithTitleOpts(opts.Title{Title: "Records per sensor", Subtitle: subtitle(s)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
	)
	stack := charts.WithBarChartOpts(opts.BarChart{Stack: "records"})
	bar.SetXAxis(names).
		AddSeries("delivered", delivered, stack).
		AddSeries("filtered", filtered, stack).
		AddSeries("decode errors", decode, stack)
	return bar
}

func filteredChart(s pipeline.Summary, o Options) *charts.Pie {
	byReason := s.Filtered()
	reasons := make([]filter.Reason, 0, len(byReason))
	for r := range byReason {
		reasons = append(reasons, r)
	}
	sort.Slice(reasons, func(i, j int) bool { return reasons[i] < reasons[j] })

	data := make([]opts.PieData, len(reasons))
	for i, r := range reasons {
		data[i] = opts.PieData{Name: string(r), Value: byReason[r]}
	}

	pie := charts.NewPie()
	pie.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(o, "Filtered records")),
		charts.WithTitleOpts(opts.Title{
			Title:    "Filtered records by reason",
			Subtitle: fmt.Sprintf("%d filtered, %d decode errors", total(byReason), s.DecodeErrors()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
	)
	pie.AddSeries("filtered", data, charts.WithLabelOpts(opts.Label{Show: opts.Bool(true), Formatter: "{b}: {c}"}))
	return pie
}

func total[K comparable](m map[K]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func batchChart(s pipeline.Summary, points []BatchPoint, o Options) *charts.Line {
	x := make([]int, len(points))
	size := make([]opts.LineData, len(points))
	limit := make([]opts.LineData, len(points))
	for i, p := range points {
		x[i] = p.Seq
		size[i] = opts.LineData{Value: p.Bytes}
		limit[i] = opts.LineData{Value: p.Cap}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(initOpts(o, "Batches")),
		charts.WithTitleOpts(opts.Title{
			Title:    "Batch size",
			Subtitle: fmt.Sprintf("%d batches, %d elements, %d bytes", s.Batches, s.Elements, s.Bytes),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithXAxisOpts(opts.XAxis{Name: "seq"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "bytes"}),
	)
	line.SetXAxis(x).
		AddSeries("bytes", size).
		AddSeries("cap", limit)
	return line
}
