package reactor

// GenState is the event generation state of a handle or lock group.
//
//	None    -> Fired    [fire]     an event was emitted
//	None    -> Holding  [hold]     an event is owed but the handle is disabled
//	Fired   -> Holding  [hold]     the emitted event was checked in
//	Holding -> Holding  [hold]
//	Holding -> Fired    [fire]     the held event was re-emitted
//	Fired   -> None     [resume]   the handler returned
//	Fired   -> Done     [complete] lock groups only
//	*       -> None     [reset]
type GenState uint8

const (
	GenNone GenState = iota
	GenFired
	GenHolding
	GenDone
)

func (s GenState) String() string {
	switch s {
	case GenNone:
		return "none"
	case GenFired:
		return "fired"
	case GenHolding:
		return "holding"
	case GenDone:
		return "done"
	default:
		return "gen_unknown"
	}
}

// Outstanding is true while an event is owed to or held by a handler.
func (s GenState) Outstanding() bool {
	return s == GenFired || s == GenHolding
}

type genTransition uint8

const (
	genFire genTransition = iota
	genHold
	genResume
	genComplete
	genReset
)

func (t genTransition) String() string {
	switch t {
	case genFire:
		return "fire"
	case genHold:
		return "hold"
	case genResume:
		return "resume"
	case genComplete:
		return "complete"
	case genReset:
		return "reset"
	default:
		return "transition_unknown"
	}
}

// next returns the state reached from s through t. ok is false, and s is
// returned unchanged, if the transition is illegal.
func (s GenState) next(t genTransition) (to GenState, ok bool) {
	switch t {
	case genFire:
		switch s {
		case GenNone, GenHolding:
			return GenFired, true
		case GenFired, GenDone:
			return s, false
		}
	case genHold:
		switch s {
		case GenNone, GenFired, GenHolding:
			return GenHolding, true
		case GenDone:
			return s, false
		}
	case genResume:
		switch s {
		case GenFired:
			return GenNone, true
		case GenNone, GenHolding, GenDone:
			return s, false
		}
	case genComplete:
		switch s {
		case GenFired:
			return GenDone, true
		case GenNone, GenHolding, GenDone:
			return s, false
		}
	case genReset:
		return GenNone, true
	}
	return s, false
}
