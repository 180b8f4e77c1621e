package dialog

import "context"

// State is the orchestrator position of a conversation between turns.
type State string

const (
	StateCollectingIntent       State = "CollectingIntent"
	StateAwaitingAction         State = "AwaitingAction"
	StateHandlingCardAction     State = "HandlingCardAction"
	StateConfirmingContinuation State = "ConfirmingContinuation"
	StateTerminated             State = "Terminated"
)

// step is the outcome of applying one transition.
type step struct {
	next     State
	messages []Message
	// carry re-dispatches an input in the next state after a restart.
	carry *TurnInput
}

type handlerFunc func(o *Orchestrator, ctx context.Context, s *Session, in TurnInput, caller Caller) step

type transition struct {
	handle  handlerFunc
	targets []State
}

var (
	collectTargets = []State{StateCollectingIntent, StateHandlingCardAction, StateConfirmingContinuation, StateTerminated}
	restartTargets = []State{StateCollectingIntent}
)

// transitions is the complete state machine: every (state, input kind) pair
// has exactly one row.
var transitions = map[State]map[InputKind]transition{
	StateCollectingIntent: {
		InputEmpty:      {(*Orchestrator).greet, restartTargets},
		InputText:       {(*Orchestrator).collect, collectTargets},
		InputStructured: {(*Orchestrator).collect, collectTargets},
		InputCardAction: {(*Orchestrator).unrecognized, restartTargets},
	},
	StateAwaitingAction: {
		InputEmpty:      {(*Orchestrator).greet, restartTargets},
		InputText:       {(*Orchestrator).collect, collectTargets},
		InputStructured: {(*Orchestrator).collect, collectTargets},
		InputCardAction: {(*Orchestrator).unrecognized, restartTargets},
	},
	StateHandlingCardAction: {
		InputEmpty:      {(*Orchestrator).remindCard, []State{StateHandlingCardAction}},
		InputText:       {(*Orchestrator).newRequest, restartTargets},
		InputStructured: {(*Orchestrator).unrecognized, restartTargets},
		InputCardAction: {(*Orchestrator).cardAction, []State{StateHandlingCardAction, StateConfirmingContinuation, StateCollectingIntent}},
	},
	StateConfirmingContinuation: {
		InputEmpty:      {(*Orchestrator).askAgain, []State{StateConfirmingContinuation}},
		InputText:       {(*Orchestrator).decideContinuation, []State{StateTerminated, StateCollectingIntent}},
		InputStructured: {(*Orchestrator).newRequest, restartTargets},
		InputCardAction: {(*Orchestrator).decideContinuation, []State{StateTerminated, StateCollectingIntent}},
	},
	StateTerminated: {
		InputEmpty:      {(*Orchestrator).reopen, restartTargets},
		InputText:       {(*Orchestrator).reopen, restartTargets},
		InputStructured: {(*Orchestrator).reopen, restartTargets},
		InputCardAction: {(*Orchestrator).reopen, restartTargets},
	},
}

func lookup(state State, kind InputKind) (transition, bool) {
	row, ok := transitions[state]
	if !ok {
		return transition{}, false
	}
	t, ok := row[kind]
	return t, ok
}

func allowed(t transition, next State) bool {
	for _, s := range t.targets {
		if s == next {
			return true
		}
	}
	return false
}
