package reactor

// Event notifies that a registered source is ready for the ops in Ready, a
// subset of the handle's interest ops. It is an indication, not a guarantee,
// that the source is still ready when the handler runs.
type Event struct {
	Handle  *Handle
	Ready   Ops
	Payload Payload
}

// Handler receives ready events. The reactor never runs HandleEvent of the same
// Handler on more than one goroutine at a time.
//
// Handlers are used as map keys and must be comparable. Use pointer receivers,
// or wrap a function with HandlerFunc.
type Handler interface {
	HandleEvent(cmds Commands, ev Event)
}

type funcHandler struct {
	fn func(Commands, Event)
}

func (h *funcHandler) HandleEvent(cmds Commands, ev Event) {
	h.fn(cmds, ev)
}

// HandlerFunc adapts fn to a Handler. Every call returns a distinct Handler.
func HandlerFunc(fn func(Commands, Event)) Handler {
	return &funcHandler{fn: fn}
}

// Commands issued by a Handler while it runs are buffered and applied, in
// order, once HandleEvent returns.
type Commands interface {
	InterestOps(h *Handle, ops Ops)
	Deregister(h *Handle)
	ReleaseLock(lock *Handle)
	Cancel(timer *Handle)
}

// Selector turns the readiness of one kind of event source into ready events.
//
// Register is source specific and lives on each concrete selector.
type Selector interface {
	Kind() Kind

	// InterestOps changes the interest ops of h. It fails with
	// reactorerrors.ErrInvalidInterestOps if ops is outside Kind().ValidOps().
	// Enabling a handle which holds an undelivered event re-emits it.
	InterestOps(h *Handle, ops Ops) error

	// Deregister removes h. It is idempotent.
	Deregister(h *Handle) error

	IsRegistered(h *Handle) bool

	// Checkin returns an event which could not be delivered. The selector
	// holds it until the handle is enabled again.
	Checkin(h *Handle, ev Event)

	// ResumeSelection is called once the handler of an emitted event
	// returned. One-shot sources are retired, others are re-armed.
	ResumeSelection(h *Handle)

	Close() error
}

// Dispatcher is the part of the reactor consumed by selectors. Reactor is the
// implementation.
type Dispatcher interface {
	ProcessRegister(h *Handle, handler Handler, s Selector, ops Ops)
	ProcessDeregister(h *Handle)
	ProcessInterestOps(h *Handle, ops Ops)

	// AddReadyEvent queues ev for dispatch. It never blocks on handlers.
	AddReadyEvent(ev Event)

	// InterestOps returns InvalidOps if h is not registered.
	InterestOps(h *Handle) Ops
	Handler(h *Handle) Handler

	ReportCriticalError(err error)
}
