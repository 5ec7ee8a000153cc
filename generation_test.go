package reactor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenStateTransitions(t *testing.T) {
	assert := assert.New(t)

	type step struct {
		from GenState
		t    genTransition
		to   GenState
		ok   bool
	}

	steps := []step{
		{GenNone, genFire, GenFired, true},
		{GenHolding, genFire, GenFired, true},
		{GenFired, genFire, GenFired, false},
		{GenDone, genFire, GenDone, false},

		{GenNone, genHold, GenHolding, true},
		{GenFired, genHold, GenHolding, true},
		{GenHolding, genHold, GenHolding, true},
		{GenDone, genHold, GenDone, false},

		{GenFired, genResume, GenNone, true},
		{GenNone, genResume, GenNone, false},
		{GenHolding, genResume, GenHolding, false},

		{GenFired, genComplete, GenDone, true},
		{GenHolding, genComplete, GenHolding, false},

		{GenDone, genReset, GenNone, true},
		{GenFired, genReset, GenNone, true},
	}

	for _, s := range steps {
		to, ok := s.from.next(s.t)
		assert.Equal(s.to, to, "%s --%s-->", s.from, s.t)
		assert.Equal(s.ok, ok, "%s --%s-->", s.from, s.t)
	}
}

func TestGenStateOutstanding(t *testing.T) {
	if GenNone.Outstanding() || GenDone.Outstanding() {
		t.Fatal("none and done owe no event")
	}
	if !GenFired.Outstanding() || !GenHolding.Outstanding() {
		t.Fatal("fired and holding owe an event")
	}
}
