package device

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateStringsDistinct(t *testing.T) {
	seen := map[string]State{}
	for s := STATE_NOT_PRESENT; s <= STATE_FINALIZED; s++ {
		name := s.String()
		assert.False(t, strings.HasPrefix(name, "state("), "state %d has no name", s)
		prev, dup := seen[name]
		assert.False(t, dup, "states %v and %v share name %q", prev, s, name)
		seen[name] = s
	}
}

func TestEventStringsDistinct(t *testing.T) {
	seen := map[string]Event{}
	for e := EVENT_RESET; e <= EVENT_TIMEOUT; e++ {
		name := e.String()
		assert.False(t, strings.HasPrefix(name, "event("), "event %d has no name", e)
		prev, dup := seen[name]
		assert.False(t, dup, "events %v and %v share name %q", prev, e, name)
		seen[name] = e
	}
}

func TestTransitionTargetsDefined(t *testing.T) {
	check := func(rows []transition, where string) {
		for _, tr := range rows {
			if tr.internal {
				continue
			}
			_, ok := fsmTable[tr.next]
			assert.True(t, ok, "%s: event %v targets undefined state %v", where, tr.event, tr.next)
		}
	}
	check(globalTransitions, "global")
	for state, def := range fsmTable {
		check(def.transitions, state.String())
	}
}

func TestTimedStatesDisarmOnExit(t *testing.T) {
	for _, s := range []State{STATE_LINK_RESET, STATE_PUBSUB_FLUSH, STATE_LINK_DISCONNECT, STATE_LL_CLOSE_PENDING} {
		def, ok := fsmTable[s]
		require.True(t, ok, "state %v missing", s)
		assert.NotNil(t, def.exit, "state %v arms a timeout but has no exit action", s)

		var hasTimeout bool
		for _, tr := range def.transitions {
			if tr.event == EVENT_TIMEOUT {
				hasTimeout = true
			}
		}
		assert.True(t, hasTimeout, "state %v has no timeout row", s)
	}
}

func TestFinalizeRowPrecedesPlainClose(t *testing.T) {
	var rows []transition
	for _, tr := range fsmTable[STATE_LL_CLOSING].transitions {
		if tr.event == EVENT_BACKEND_CLOSE_ACK {
			rows = append(rows, tr)
		}
	}
	require.Len(t, rows, 2)
	assert.Equal(t, STATE_FINALIZED, rows[0].next)
	assert.NotNil(t, rows[0].guard)
	assert.Equal(t, STATE_CLOSED, rows[1].next)
	assert.Nil(t, rows[1].guard)
}

func TestGlobalResetRowsCoverPresence(t *testing.T) {
	var targets []State
	for _, tr := range globalTransitions {
		if tr.event == EVENT_RESET {
			targets = append(targets, tr.next)
		}
	}
	assert.ElementsMatch(t, []State{STATE_NOT_PRESENT, STATE_CLOSED}, targets)
}

func TestFinalizedIsTerminal(t *testing.T) {
	def := fsmTable[STATE_FINALIZED]
	assert.Empty(t, def.transitions)
	assert.Nil(t, def.exit)
}
