package reactor

type registration struct {
	handler  Handler
	selector Selector
	ops      Ops
}

// Registrar maps each Handle to its Handler, owning Selector and interest
// ops, and each Handler to its Handles. It performs no validation and is not
// synchronized; the Reactor serializes access.
type Registrar struct {
	entries   map[*Handle]*registration
	byHandler map[Handler]map[*Handle]struct{}
}

func NewRegistrar() *Registrar {
	return &Registrar{
		entries:   make(map[*Handle]*registration),
		byHandler: make(map[Handler]map[*Handle]struct{}),
	}
}

// Add replaces any previous registration of h.
func (r *Registrar) Add(h *Handle, handler Handler, s Selector, ops Ops) {
	if _, ok := r.entries[h]; ok {
		r.Remove(h)
	}

	r.entries[h] = &registration{
		handler:  handler,
		selector: s,
		ops:      ops,
	}

	handles, ok := r.byHandler[handler]
	if !ok {
		handles = make(map[*Handle]struct{})
		r.byHandler[handler] = handles
	}
	handles[h] = struct{}{}
}

// Remove deletes h and returns true if its handler has no handles left, in
// which case the handler is forgotten as well.
func (r *Registrar) Remove(h *Handle) bool {
	reg, ok := r.entries[h]
	if !ok {
		return false
	}
	delete(r.entries, h)

	handles := r.byHandler[reg.handler]
	delete(handles, h)
	if len(handles) == 0 {
		delete(r.byHandler, reg.handler)
		return true
	}
	return false
}

// RemoveHandler deletes the handler and all of its handles, returning the
// removed handles.
func (r *Registrar) RemoveHandler(handler Handler) []*Handle {
	handles := r.Handles(handler)
	for _, h := range handles {
		delete(r.entries, h)
	}
	delete(r.byHandler, handler)
	return handles
}

func (r *Registrar) Contains(h *Handle) bool {
	_, ok := r.entries[h]
	return ok
}

func (r *Registrar) ContainsHandler(handler Handler) bool {
	_, ok := r.byHandler[handler]
	return ok
}

func (r *Registrar) Selector(h *Handle) Selector {
	if reg, ok := r.entries[h]; ok {
		return reg.selector
	}
	return nil
}

func (r *Registrar) Handler(h *Handle) Handler {
	if reg, ok := r.entries[h]; ok {
		return reg.handler
	}
	return nil
}

func (r *Registrar) Handles(handler Handler) []*Handle {
	handles := r.byHandler[handler]
	if len(handles) == 0 {
		return nil
	}
	xs := make([]*Handle, 0, len(handles))
	for h := range handles {
		xs = append(xs, h)
	}
	return xs
}

func (r *Registrar) NumHandles(handler Handler) int {
	return len(r.byHandler[handler])
}

// InterestOps returns InvalidOps if h is not registered.
func (r *Registrar) InterestOps(h *Handle) Ops {
	if reg, ok := r.entries[h]; ok {
		return reg.ops
	}
	return InvalidOps
}

// SetInterestOps is a no-op if h is not registered.
func (r *Registrar) SetInterestOps(h *Handle, ops Ops) {
	if reg, ok := r.entries[h]; ok {
		reg.ops = ops
	}
}

func (r *Registrar) Len() int {
	return len(r.entries)
}
