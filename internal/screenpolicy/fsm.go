package screenpolicy

// SessionState is one state of the flat agent session reducer.
type SessionState string

const (
	StateInit          SessionState = "INIT"
	StateLoginRequired SessionState = "LOGIN_REQUIRED"
	StateAuthenticated SessionState = "AUTHENTICATED"
	StateLocked        SessionState = "LOCKED"
	StateTimerRunning  SessionState = "TIMER_RUNNING"
	StateAlerting      SessionState = "ALERTING"
	StateUpdatePending SessionState = "UPDATE_PENDING"
	StateUpdateApply   SessionState = "UPDATE_APPLYING"
	StateError         SessionState = "ERROR_STATE"
)

// SessionEvent drives the session reducer.
type SessionEvent string

const (
	EvLoginNeeded     SessionEvent = "login_needed"
	EvAuthenticated   SessionEvent = "authenticated"
	EvLock            SessionEvent = "lock"
	EvUnlock          SessionEvent = "unlock"
	EvTimerStarted    SessionEvent = "timer_started"
	EvTimerStopped    SessionEvent = "timer_stopped"
	EvTimerExpired    SessionEvent = "timer_expired"
	EvAlert           SessionEvent = "alert"
	EvAlertCleared    SessionEvent = "alert_cleared"
	EvUpdateAvailable SessionEvent = "update_available"
	EvUpdateStarted   SessionEvent = "update_started"
	EvUpdateCancelled SessionEvent = "update_cancelled"
	EvUpdateFinished  SessionEvent = "update_finished"
	EvUpdateFailed    SessionEvent = "update_failed"
	EvFatalError      SessionEvent = "fatal_error"
	EvReset           SessionEvent = "reset"
)

// transitions is the session transition table. Reduce treats it as a
// total function: unlisted (state, event) pairs preserve the state.
var transitions = map[SessionState]map[SessionEvent]SessionState{
	StateInit: {
		EvLoginNeeded:   StateLoginRequired,
		EvAuthenticated: StateAuthenticated,
		EvFatalError:    StateError,
	},
	StateLoginRequired: {
		EvAuthenticated: StateAuthenticated,
		EvFatalError:    StateError,
	},
	StateAuthenticated: {
		EvLock:            StateLocked,
		EvTimerStarted:    StateTimerRunning,
		EvUpdateAvailable: StateUpdatePending,
		EvLoginNeeded:     StateLoginRequired,
		EvFatalError:      StateError,
	},
	StateLocked: {
		EvUnlock:     StateAuthenticated,
		EvAlert:      StateAlerting,
		EvFatalError: StateError,
	},
	StateTimerRunning: {
		EvTimerExpired: StateAlerting,
		EvTimerStopped: StateAuthenticated,
		EvLock:         StateLocked,
		EvFatalError:   StateError,
	},
	StateAlerting: {
		EvAlertCleared: StateAuthenticated,
		EvLock:         StateLocked,
		EvFatalError:   StateError,
	},
	StateUpdatePending: {
		EvUpdateStarted:   StateUpdateApply,
		EvUpdateCancelled: StateAuthenticated,
		EvFatalError:      StateError,
	},
	StateUpdateApply: {
		EvUpdateFinished: StateAuthenticated,
		EvUpdateFailed:   StateError,
	},
	StateError: {
		EvReset: StateInit,
	},
}

// Reduce returns the next session state for the given event.
// Unrecognized events are no-ops that preserve the current state.
func Reduce(state SessionState, event SessionEvent) SessionState {
	if next, ok := transitions[state][event]; ok {
		return next
	}
	return state
}
