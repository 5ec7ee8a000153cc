package reactor

import (
	"strconv"
	"sync/atomic"
)

var handleSeq uint64

// Handle identifies one registration of an event source with a handler and
// interest ops. Handles are created on registration and never reused.
type Handle struct {
	id   uint64
	kind Kind

	// attachment is owned by the caller and is not synchronized.
	attachment interface{}
}

func newHandle(kind Kind) *Handle {
	return &Handle{
		id:   atomic.AddUint64(&handleSeq, 1),
		kind: kind,
	}
}

func (h *Handle) ID() uint64 {
	return h.id
}

// Kind of the selector which created the handle.
func (h *Handle) Kind() Kind {
	return h.kind
}

// Attach sets the attachment and returns the previous one.
func (h *Handle) Attach(v interface{}) interface{} {
	prev := h.attachment
	h.attachment = v
	return prev
}

func (h *Handle) Attachment() interface{} {
	return h.attachment
}

func (h *Handle) String() string {
	if h == nil {
		return "handle(nil)"
	}
	return h.kind.String() + "#" + strconv.FormatUint(h.id, 10)
}
