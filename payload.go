package reactor

import (
	"os"

	"github.com/valyala/bytebufferpool"
)

type PayloadKind uint8

const (
	PayloadNone PayloadKind = iota
	PayloadBytes
	PayloadValue
	PayloadError
	PayloadSignal
	PayloadResults
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadNone:
		return "none"
	case PayloadBytes:
		return "bytes"
	case PayloadValue:
		return "value"
	case PayloadError:
		return "error"
	case PayloadSignal:
		return "signal"
	case PayloadResults:
		return "results"
	default:
		return "payload_unknown"
	}
}

// Payload is the optional data carried by an Event. Exactly one variant is
// set, as indicated by Kind. The zero value is an empty payload.
type Payload struct {
	kind PayloadKind

	buf     *bytebufferpool.ByteBuffer
	value   interface{}
	err     error
	sig     os.Signal
	results []error
}

// BytesPayload copies b into a pooled buffer. Call Release once the payload is
// no longer needed to return the buffer to the pool. Events handed to a
// handler are released when the handler returns.
func BytesPayload(b []byte) Payload {
	buf := bytebufferpool.Get()
	_, _ = buf.Write(b)
	return Payload{kind: PayloadBytes, buf: buf}
}

func ValuePayload(v interface{}) Payload {
	return Payload{kind: PayloadValue, value: v}
}

func ErrorPayload(err error) Payload {
	return Payload{kind: PayloadError, err: err}
}

func SignalPayload(sig os.Signal) Payload {
	return Payload{kind: PayloadSignal, sig: sig}
}

// ResultsPayload holds the outcome of each unit of a blocking task set, in
// submission order. A nil entry means the unit succeeded.
func ResultsPayload(results []error) Payload {
	return Payload{kind: PayloadResults, results: results}
}

func (p Payload) Kind() PayloadKind {
	return p.kind
}

func (p Payload) Empty() bool {
	return p.kind == PayloadNone
}

// Bytes is only valid until Release is called. Handlers must copy what they
// keep.
func (p Payload) Bytes() ([]byte, bool) {
	if p.kind != PayloadBytes || p.buf == nil {
		return nil, false
	}
	return p.buf.B, true
}

func (p Payload) Value() (interface{}, bool) {
	return p.value, p.kind == PayloadValue
}

// Err returns the carried error, or nil if the payload is not an error.
func (p Payload) Err() error {
	if p.kind != PayloadError {
		return nil
	}
	return p.err
}

func (p Payload) Signal() (os.Signal, bool) {
	return p.sig, p.kind == PayloadSignal
}

func (p Payload) Results() ([]error, bool) {
	return p.results, p.kind == PayloadResults
}

// Release returns pooled memory. The payload must not be used afterwards.
func (p *Payload) Release() {
	if p.buf != nil {
		bytebufferpool.Put(p.buf)
	}
	*p = Payload{}
}
