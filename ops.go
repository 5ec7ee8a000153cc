package reactor

import (
	"math"
	"strings"
)

// Ops is an interest or readiness bitmask. Each selector kind accepts its own
// subset, see Kind.ValidOps. OpNoop suppresses delivery without deregistering.
type Ops uint32

const OpNoop Ops = 0

const (
	OpRead Ops = 1 << iota
	OpWrite
	OpAccept
	OpConnect
	OpTimer
	OpQRead
	OpBlocking
	OpError
	OpSignal
	OpLock
)

// InvalidOps is returned by lookups on handles which are not registered.
const InvalidOps Ops = math.MaxUint32

var opNames = []struct {
	op   Ops
	name string
}{
	{OpRead, "read"},
	{OpWrite, "write"},
	{OpAccept, "accept"},
	{OpConnect, "connect"},
	{OpTimer, "timer"},
	{OpQRead, "qread"},
	{OpBlocking, "blocking"},
	{OpError, "error"},
	{OpSignal, "signal"},
	{OpLock, "lock"},
}

// Contains is true if every bit of x is set in o.
func (o Ops) Contains(x Ops) bool {
	return o&x == x
}

// ContainsAny is true if o and x share at least one bit.
func (o Ops) ContainsAny(x Ops) bool {
	return o&x != 0
}

func (o Ops) Equal(x Ops) bool {
	return o == x
}

// In is true if o only holds bits from valid. OpNoop is in every set.
func (o Ops) In(valid Ops) bool {
	return o != InvalidOps && o&^valid == 0
}

func (o Ops) String() string {
	if o == OpNoop {
		return "noop"
	}
	if o == InvalidOps {
		return "invalid"
	}

	var b strings.Builder
	for _, n := range opNames {
		if o&n.op == 0 {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString(n.name)
	}
	if rest := o &^ allOps; rest != 0 {
		if b.Len() > 0 {
			b.WriteByte('|')
		}
		b.WriteString("unknown")
	}
	return b.String()
}

const allOps = OpRead | OpWrite | OpAccept | OpConnect | OpTimer | OpQRead |
	OpBlocking | OpError | OpSignal | OpLock

// Kind identifies the event source family of a selector.
type Kind uint8

const (
	KindChannel Kind = iota
	KindTimer
	KindQueue
	KindBlocking
	KindError
	KindSignal
	KindLock
)

func (k Kind) String() string {
	switch k {
	case KindChannel:
		return "channel"
	case KindTimer:
		return "timer"
	case KindQueue:
		return "queue"
	case KindBlocking:
		return "blocking"
	case KindError:
		return "error"
	case KindSignal:
		return "signal"
	case KindLock:
		return "lock"
	default:
		return "kind_unknown"
	}
}

// ValidOps returns the interest set accepted by selectors of kind k.
func (k Kind) ValidOps() Ops {
	switch k {
	case KindChannel:
		return OpRead | OpWrite | OpAccept | OpConnect
	case KindTimer:
		return OpTimer
	case KindQueue:
		return OpQRead
	case KindBlocking:
		return OpBlocking
	case KindError:
		return OpError
	case KindSignal:
		return OpSignal
	case KindLock:
		return OpLock
	default:
		return OpNoop
	}
}
