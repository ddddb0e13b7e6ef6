package screenpolicy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReduce_HappyPath(t *testing.T) {
	state := StateInit
	state = Reduce(state, EvLoginNeeded)
	assert.Equal(t, StateLoginRequired, state)

	state = Reduce(state, EvAuthenticated)
	assert.Equal(t, StateAuthenticated, state)

	state = Reduce(state, EvTimerStarted)
	assert.Equal(t, StateTimerRunning, state)

	state = Reduce(state, EvTimerExpired)
	assert.Equal(t, StateAlerting, state)

	state = Reduce(state, EvAlertCleared)
	assert.Equal(t, StateAuthenticated, state)
}

func TestReduce_UnknownEventPreservesState(t *testing.T) {
	assert.Equal(t, StateLocked, Reduce(StateLocked, EvTimerStarted))
	assert.Equal(t, StateInit, Reduce(StateInit, EvUnlock))
	assert.Equal(t, StateUpdateApply, Reduce(StateUpdateApply, SessionEvent("bogus")))
}

func TestReduce_UpdateFlow(t *testing.T) {
	state := Reduce(StateAuthenticated, EvUpdateAvailable)
	assert.Equal(t, StateUpdatePending, state)

	assert.Equal(t, StateAuthenticated, Reduce(state, EvUpdateCancelled))

	state = Reduce(state, EvUpdateStarted)
	assert.Equal(t, StateUpdateApply, state)
	assert.Equal(t, StateError, Reduce(state, EvUpdateFailed))
	assert.Equal(t, StateAuthenticated, Reduce(state, EvUpdateFinished))
}

func TestReduce_ErrorRecoversOnlyViaReset(t *testing.T) {
	assert.Equal(t, StateError, Reduce(StateError, EvAuthenticated))
	assert.Equal(t, StateError, Reduce(StateError, EvUnlock))
	assert.Equal(t, StateInit, Reduce(StateError, EvReset))
}

func TestReduce_FatalErrorFromAnyOperationalState(t *testing.T) {
	for _, state := range []SessionState{
		StateInit, StateLoginRequired, StateAuthenticated,
		StateLocked, StateTimerRunning, StateAlerting, StateUpdatePending,
	} {
		assert.Equal(t, StateError, Reduce(state, EvFatalError), "from %s", state)
	}
}
