package models

import (
	"fmt"
	"sync"
	"time"
)

// ProcessState represents the current state of a closing process.
type ProcessState string

const (
	StateRunning      ProcessState = "running"       // Monitoring barriers, position treated as already open
	StateShuttingDown ProcessState = "shutting_down" // Close order placed, driving it to a fill
	StateTerminated   ProcessState = "terminated"    // Terminal, close type set
)

// StateTransition defines a valid state transition.
type StateTransition struct {
	From        ProcessState
	To          ProcessState
	Condition   string
	Description string
}

// Transition conditions.
const (
	ConditionBarrierTriggered = "barrier_triggered" // A barrier (time limit, stop loss, ...) fired
	ConditionImmediateClose   = "immediate_close"   // Zero time limit, close on start
	ConditionPositionGone     = "position_gone"     // Position no longer exists on the venue
	ConditionVolumeMatched    = "volume_matched"    // Accumulated close fills cover the assigned amount
	ConditionAlreadyClosed    = "already_closed"    // Venue rejected the order as redundant
	ConditionCloseFilled      = "close_filled"      // Close order filled
	ConditionRetriesExceeded  = "retries_exceeded"  // Retry ceiling hit
	ConditionShutdownStalled  = "shutdown_stalled"  // No shutdown progress within the stall window
	ConditionCancelled        = "cancelled"         // Cooperative cancellation
)

// ValidTransitions enumerates every allowed process transition.
var ValidTransitions = []StateTransition{
	{StateRunning, StateShuttingDown, ConditionBarrierTriggered, "Barrier fired, close order placed"},
	{StateRunning, StateShuttingDown, ConditionImmediateClose, "Immediate close requested at start"},

	{StateRunning, StateTerminated, ConditionPositionGone, "Position closed externally before any order"},
	{StateRunning, StateTerminated, ConditionVolumeMatched, "Assigned volume already fully closed"},
	{StateRunning, StateTerminated, ConditionAlreadyClosed, "Venue reports position already closed"},
	{StateRunning, StateTerminated, ConditionRetriesExceeded, "Retry ceiling exceeded while running"},
	{StateRunning, StateTerminated, ConditionCancelled, "Process cancelled"},

	{StateShuttingDown, StateTerminated, ConditionCloseFilled, "Close order filled"},
	{StateShuttingDown, StateTerminated, ConditionPositionGone, "Position vanished during shutdown"},
	{StateShuttingDown, StateTerminated, ConditionVolumeMatched, "Cumulative close fills cover assignment"},
	{StateShuttingDown, StateTerminated, ConditionAlreadyClosed, "Venue reports position already closed"},
	{StateShuttingDown, StateTerminated, ConditionRetriesExceeded, "Retry ceiling exceeded during shutdown"},
	{StateShuttingDown, StateTerminated, ConditionShutdownStalled, "Shutdown stalled past the stall window"},
	{StateShuttingDown, StateTerminated, ConditionCancelled, "Process cancelled"},
}

// ProcessStateMachine manages closing process state transitions. It is safe
// for concurrent reads; transitions happen on the process's own goroutine.
type ProcessStateMachine struct {
	mu              sync.RWMutex
	currentState    ProcessState
	previousState   ProcessState
	transitionTime  time.Time
	transitionCount map[ProcessState]int
	closeType       CloseType
}

// NewProcessStateMachine creates a state machine in the running state: an
// assignment is treated as an already-open position, so there is no pending
// or submitted phase.
func NewProcessStateMachine() *ProcessStateMachine {
	return &ProcessStateMachine{
		currentState:    StateRunning,
		previousState:   StateRunning,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[ProcessState]int),
	}
}

// State returns the current state.
func (sm *ProcessStateMachine) State() ProcessState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// PreviousState returns the state before the last transition.
func (sm *ProcessStateMachine) PreviousState() ProcessState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.previousState
}

// IsTerminated reports whether the process has reached its terminal state.
func (sm *ProcessStateMachine) IsTerminated() bool {
	return sm.State() == StateTerminated
}

// CloseType returns the terminal tag, empty until set.
func (sm *ProcessStateMachine) CloseType() CloseType {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.closeType
}

// SetCloseType records the terminal tag. It may be set exactly once; later
// attempts are rejected so a terminal outcome can never be rewritten.
func (sm *ProcessStateMachine) SetCloseType(ct CloseType) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.closeType != "" {
		return fmt.Errorf("close type already set to %s, refusing %s", sm.closeType, ct)
	}
	if sm.currentState == StateTerminated {
		return fmt.Errorf("cannot set close type after termination")
	}
	sm.closeType = ct
	return nil
}

// Transition moves to a new state if the transition is defined.
func (sm *ProcessStateMachine) Transition(to ProcessState, condition string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.isTransitionDefinedLocked(to, condition) {
		return fmt.Errorf("invalid transition from %s to %s with condition %q",
			sm.currentState, to, condition)
	}
	if to == StateTerminated && sm.closeType == "" {
		return fmt.Errorf("cannot terminate without a close type")
	}

	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

func (sm *ProcessStateMachine) isTransitionDefinedLocked(to ProcessState, condition string) bool {
	for _, tr := range ValidTransitions {
		if tr.From == sm.currentState && tr.To == to && tr.Condition == condition {
			return true
		}
	}
	return false
}

// TransitionCount returns how many times the machine entered a state.
func (sm *ProcessStateMachine) TransitionCount(state ProcessState) int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionCount[state]
}

// TransitionTime returns when the last transition happened.
func (sm *ProcessStateMachine) TransitionTime() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.transitionTime
}

// StateDescription returns a human-readable description of the current state.
func (sm *ProcessStateMachine) StateDescription() string {
	switch sm.State() {
	case StateRunning:
		return "Running: position treated as open, evaluating barriers"
	case StateShuttingDown:
		return "Shutting down: close order in flight"
	case StateTerminated:
		return fmt.Sprintf("Terminated (%s)", sm.CloseType())
	default:
		return "Unknown state"
	}
}
