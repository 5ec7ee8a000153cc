package util

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHistogramSnapshot(t *testing.T) {
	assert := assert.New(t)

	h := NewHistogram(HistogramOpts{
		Name:      "handler",
		Min:       time.Microsecond,
		Max:       time.Second,
		Precision: 3,
	})

	for i := 1; i <= 100; i++ {
		h.Record(time.Duration(i) * time.Microsecond)
	}
	// clamped to Max
	h.Record(time.Hour)

	s := h.Snapshot()
	assert.Equal("handler", s.Name)
	assert.Equal(int64(101), s.Count)
	assert.Equal(int64(1), s.Min)
	assert.InDelta(int64(time.Second/time.Microsecond), s.Max, 1000)
	assert.InDelta(50, s.P50, 1)
	assert.InDelta(99, s.P99, 2)

	h.Reset()
	assert.Equal(int64(0), h.Snapshot().Count)
}

func TestHistogramReport(t *testing.T) {
	h := NewHistogram(HistogramOpts{Name: "sample"})

	var b bytes.Buffer
	h.Report(&b, 0.1)
	if !strings.Contains(b.String(), "samples=0") {
		t.Fatalf("unexpected empty report: %s", b.String())
	}

	h.Record(1 * time.Microsecond)
	h.Record(2 * time.Microsecond)
	h.Record(2 * time.Microsecond)

	b.Reset()
	h.Report(&b, 0.1)
	if !strings.Contains(b.String(), "50th percentile=2 us") {
		t.Fatalf("missing percentile line: %s", b.String())
	}
}

func TestHistogramConcurrentRecord(t *testing.T) {
	h := NewHistogram(HistogramOpts{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Record(time.Duration(j) * time.Microsecond)
			}
		}()
	}
	wg.Wait()

	if n := h.Snapshot().Count; n != 800 {
		t.Fatalf("expected 800 samples, got %d", n)
	}
}

func BenchmarkHistogramRecord(b *testing.B) {
	h := NewHistogram(HistogramOpts{Max: time.Second})
	h.Report(io.Discard, 0.1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		h.Record(time.Duration(i%1000) * time.Microsecond)
	}
	b.ReportAllocs()
}
