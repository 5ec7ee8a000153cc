package util

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

type HistogramOpts struct {
	Name      string
	Min       time.Duration
	Max       time.Duration
	Precision int
}

// Histogram records durations in microseconds. It is safe for concurrent use.
type Histogram struct {
	opts HistogramOpts

	mu  sync.Mutex
	hdr *hdrhistogram.Histogram
}

// Snapshot of a Histogram, in microseconds.
type Snapshot struct {
	Name  string
	Count int64
	Min   int64
	Max   int64
	Mean  float64
	P50   int64
	P90   int64
	P99   int64
}

func NewHistogram(opts HistogramOpts) *Histogram {
	if opts.Min <= 0 {
		opts.Min = time.Microsecond
	}
	if opts.Max <= opts.Min {
		opts.Max = time.Minute
	}
	if opts.Precision < 1 || opts.Precision > 5 {
		opts.Precision = 3
	}
	return &Histogram{
		opts: opts,
		hdr: hdrhistogram.New(
			opts.Min.Microseconds(),
			opts.Max.Microseconds(),
			opts.Precision,
		),
	}
}

// Record adds one sample. Samples outside of [Min, Max] are clamped.
func (h *Histogram) Record(d time.Duration) {
	us := d.Microseconds()
	if min := h.opts.Min.Microseconds(); us < min {
		us = min
	}
	if max := h.opts.Max.Microseconds(); us > max {
		us = max
	}

	h.mu.Lock()
	_ = h.hdr.RecordValue(us)
	h.mu.Unlock()
}

func (h *Histogram) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	return Snapshot{
		Name:  h.opts.Name,
		Count: h.hdr.TotalCount(),
		Min:   h.hdr.Min(),
		Max:   h.hdr.Max(),
		Mean:  h.hdr.Mean(),
		P50:   h.hdr.ValueAtQuantile(50.0),
		P90:   h.hdr.ValueAtQuantile(90.0),
		P99:   h.hdr.ValueAtQuantile(99.0),
	}
}

func (h *Histogram) Reset() {
	h.mu.Lock()
	h.hdr.Reset()
	h.mu.Unlock()
}

// Report writes a summary and the distribution of the recorded samples,
// skipping bins holding less than minPct percent of them.
func (h *Histogram) Report(w io.Writer, minPct float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	tabw := tabwriter.NewWriter(w, 2, 2, 2, byte(' '), 0)

	fmt.Fprintf(w,
		"%v histogram name=%s samples=%d scale=us\n",
		time.Now().Format("2006-01-02 15:04:05"),
		h.opts.Name, h.hdr.TotalCount(),
	)
	if h.hdr.TotalCount() == 0 {
		return
	}

	fmt.Fprintf(w,
		"summary min/avg/max/stddev = %d/%.3f/%d/%.3f us\n",
		h.hdr.Min(), h.hdr.Mean(), h.hdr.Max(), h.hdr.StdDev())
	for _, q := range []float64{50.0, 90.0, 99.0} {
		fmt.Fprintf(w, "%.0fth percentile=%d us\n", q, h.hdr.ValueAtQuantile(q))
	}

	var minBinCount, maxBinCount int64 = math.MaxInt64, math.MinInt64
	for _, bin := range h.hdr.Distribution() {
		pct := float64(bin.Count) * 100.0 / float64(h.hdr.TotalCount())
		if pct < minPct {
			continue
		}
		if bin.Count < minBinCount {
			minBinCount = bin.Count
		}
		if bin.Count > maxBinCount {
			maxBinCount = bin.Count
		}
	}

	yFmt := func(y int64) string {
		if y > 0 {
			return strconv.FormatInt(y, 10)
		}
		return ""
	}

	for _, bin := range h.hdr.Distribution() {
		pct := float64(bin.Count) * 100.0 / float64(h.hdr.TotalCount())
		if pct < minPct || bin.Count == 0 {
			continue
		}

		barSize := 1
		if maxBinCount > minBinCount {
			fraction := float64(bin.Count-minBinCount) /
				float64(maxBinCount-minBinCount)
			if n := int(math.Ceil(fraction * 10)); n > 0 {
				barSize = n
			}
		}

		to := bin.To
		if bin.From == to {
			to++
		}

		fmt.Fprintf(tabw,
			"%d-%d us\t%.3g%%\t%s\n",
			bin.From, to,
			pct,
			strings.Repeat("|", barSize)+"\t"+yFmt(bin.Count),
		)
	}

	_ = tabw.Flush()
}
