package dialog

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDirectReplyKeepsCollecting(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(DirectReply("How can I help?"))

	out := h.say("I need help")
	assertTexts(t, out, "How can I help?")
	assertState(t, h.session, StateCollectingIntent)
	if len(h.session.Transcript) != 1 || h.session.Transcript[0].Assistant != "How can I help?" {
		t.Errorf("transcript: %+v", h.session.Transcript)
	}
}

func TestEmptyFirstTurnGreets(t *testing.T) {
	h := newHarness(t, nil)
	out := h.say("   ")
	assertTexts(t, out, MsgGreeting)
	assertState(t, h.session, StateCollectingIntent)
	if len(h.resolver.calls) != 0 {
		t.Error("resolver must not be called for an empty turn")
	}
}

func TestTicketCreatedThenConfirmed(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "Laptop broken", Description: "Screen is cracked"}, ""))

	out := h.say("My laptop screen is cracked, please open a ticket")
	if len(out) != 1 || out[0].Attachment == nil {
		t.Fatalf("expected one message with the ticket card, got %+v", out)
	}
	assertState(t, h.session, StateHandlingCardAction)
	if got := h.session.Pending.Values[KeyTicketID]; got != "T1" {
		t.Fatalf("pending ticket id: got %q", got)
	}
	if h.tickets.callers[0].Email != DefaultCallerEmail || h.tickets.callers[0].Name != "Ada" {
		t.Errorf("caller defaults not applied: %+v", h.tickets.callers[0])
	}

	out = h.submit(t, map[string]any{"action": "confirm"})
	assertTexts(t, out, MsgTicketConfirmed, MsgAnythingElse)
	assertState(t, h.session, StateConfirmingContinuation)
	if len(h.desk.confirmed) != 1 || h.desk.confirmed[0] != "T1" {
		t.Errorf("confirmed: %v", h.desk.confirmed)
	}
	if h.session.Pending.Values != nil {
		t.Errorf("pending values should be discarded after the card flow: %v", h.session.Pending.Values)
	}
}

func TestLeaveCollectedAcrossTurns(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Sick"}, "When does your leave start and end, and why?"))
	h.resolver.push(Invoke(CreateLeave{StartDate: "2024-05-02", EndDate: "2024-05-03", Reason: "Flu"}, ""))

	out := h.say("I want to apply for sick leave")
	assertTexts(t, out, "When does your leave start and end, and why?")
	assertState(t, h.session, StateCollectingIntent)
	if h.leaves.count() != 0 {
		t.Fatal("handler must not run with missing arguments")
	}
	if h.session.Pending.Partial == nil || h.session.Pending.Partial.Args["leaveType"] != "Sick" {
		t.Fatalf("partial not stored: %+v", h.session.Pending.Partial)
	}

	out = h.say("From May 2nd to May 3rd, I have the flu")
	assertTexts(t, out, "Your leave request has been submitted successfully and is pending approval.", MsgAnythingElse)
	assertState(t, h.session, StateConfirmingContinuation)
	if h.leaves.count() != 1 {
		t.Fatalf("handler calls: %d", h.leaves.count())
	}
	got := h.leaves.actions[0].(CreateLeave)
	want := CreateLeave{LeaveType: "Sick", StartDate: "2024-05-02", EndDate: "2024-05-03", Reason: "Flu"}
	if got != want {
		t.Errorf("merged action: got %+v, want %+v", got, want)
	}
	if h.session.Pending.Partial != nil {
		t.Error("partial should be discarded after dispatch")
	}
}

func TestMissingArgumentsGeneratePrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "VPN"}, ""))

	out := h.say("open a ticket about VPN")
	assertTexts(t, out, "Please provide a description of the issue.")
	if got := h.session.Pending.Values[KeyPrompt]; got != out[0].Text {
		t.Errorf("stored prompt: %q", got)
	}
	// An empty turn while collecting repeats the outstanding question.
	out = h.say("")
	assertTexts(t, out, "Please provide a description of the issue.")
}

func TestEditThenSaveTicket(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "Printer", Description: "Jammed"}, ""))
	h.say("printer jammed")

	out := h.submit(t, map[string]any{"action": "edit"})
	if len(out) != 1 || out[0].Text != MsgEditTicket || out[0].Attachment == nil {
		t.Fatalf("edit form: %+v", out)
	}
	assertState(t, h.session, StateHandlingCardAction)
	if len(h.desk.edited) != 1 || h.desk.edited[0] != "T1" {
		t.Errorf("edit form requested for %v", h.desk.edited)
	}

	out = h.submit(t, map[string]any{"action": "save", "ticketId": "T1", "title": "Printer 3F"})
	assertTexts(t, out, MsgInvalidTicketInput)
	assertState(t, h.session, StateHandlingCardAction)
	if len(h.desk.updates) != 0 {
		t.Fatal("malformed submission must not update")
	}

	out = h.submit(t, map[string]any{"ticketId": "T1", "title": "Printer 3F", "description": "Paper jam on tray 2"})
	assertTexts(t, out, MsgTicketUpdated, MsgAnythingElse)
	assertState(t, h.session, StateConfirmingContinuation)
	want := TicketEdit{TicketID: "T1", Title: "Printer 3F", Description: "Paper jam on tray 2"}
	if len(h.desk.updates) != 1 || h.desk.updates[0] != want {
		t.Errorf("updates: %+v", h.desk.updates)
	}
}

func TestTicketUpdateFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "Printer", Description: "Jammed"}, ""))
	h.say("printer jammed")
	h.desk.err = errors.New("version conflict")

	out := h.submit(t, map[string]any{"action": "save", "ticketId": "T1", "title": "a", "description": "b"})
	assertTexts(t, out, "Error updating ticket: version conflict", MsgAnythingElse)
	assertState(t, h.session, StateConfirmingContinuation)
}

func TestUnrecognizedCardActionRestarts(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "Printer", Description: "Jammed"}, ""))
	h.say("printer jammed")
	flow := h.session.Flow

	out := h.submit(t, map[string]any{"action": "delete"})
	assertTexts(t, out, MsgNotUnderstood, MsgGreeting)
	assertState(t, h.session, StateCollectingIntent)
	if len(h.session.Transcript) != 0 {
		t.Errorf("transcript should be cleared on restart: %+v", h.session.Transcript)
	}
	if h.session.Flow != flow+1 {
		t.Errorf("flow: got %d, want %d", h.session.Flow, flow+1)
	}
	if h.session.Pending.Values != nil || h.session.Pending.Partial != nil {
		t.Errorf("pending should be empty: %+v", h.session.Pending)
	}
}

func TestFreeTextDuringCardFlowStartsNewRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "Printer", Description: "Jammed"}, ""))
	h.resolver.push(DirectReply("Sure, which dates?"))
	h.say("printer jammed")

	out := h.say("actually I need a day off")
	assertTexts(t, out, "Sure, which dates?")
	assertState(t, h.session, StateCollectingIntent)
	last := h.resolver.calls[len(h.resolver.calls)-1]
	if last.input != "actually I need a day off" || len(last.history) != 0 {
		t.Errorf("new request should reach the resolver with a fresh history: %+v", last)
	}
}

func TestDeclineTerminatesAndNextTurnStartsFresh(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
	h.say("book annual leave 1-5 June for a trip")
	assertState(t, h.session, StateConfirmingContinuation)

	out := h.say("No")
	assertTexts(t, out, MsgGoodbye)
	assertState(t, h.session, StateTerminated)

	h.resolver.push(DirectReply("Hi again!"))
	out = h.say("hello")
	assertTexts(t, out, "Hi again!")
	assertState(t, h.session, StateCollectingIntent)
	last := h.resolver.calls[len(h.resolver.calls)-1]
	if len(last.history) != 0 {
		t.Errorf("history should be cleared for a new session, got %d exchanges", len(last.history))
	}
	if len(h.session.Transcript) != 1 {
		t.Errorf("transcript: %+v", h.session.Transcript)
	}
}

func TestAffirmRestartsWithPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
	h.say("book leave")

	out := h.say("Yes, please!")
	assertTexts(t, out, MsgWhatElse)
	assertState(t, h.session, StateCollectingIntent)
	if len(h.session.Transcript) != 0 {
		t.Error("transcript should reset at a confirmed restart")
	}
	if h.classifier.calls != 0 {
		t.Error("keyword answers must not need the classifier")
	}
}

func TestContinuationChoicePayload(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
	h.say("book leave")

	out := h.submit(t, map[string]any{"choice": "no"})
	assertTexts(t, out, MsgGoodbye)
	assertState(t, h.session, StateTerminated)
}

func TestContinuationUsesClassifier(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
	h.say("book leave")
	h.classifier.decision = DecisionDecline

	out := h.say("I think I'm all sorted now")
	assertTexts(t, out, MsgGoodbye)
	if h.classifier.calls != 1 {
		t.Errorf("classifier calls: %d", h.classifier.calls)
	}
}

func TestContinuationNewRequestIsProcessedImmediately(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
	h.resolver.push(Invoke(CreateTicket{Title: "Mouse", Description: "Mouse is broken"}, ""))
	h.say("book leave")

	out := h.say("my mouse is broken")
	assertState(t, h.session, StateHandlingCardAction)
	if len(out) != 1 || h.tickets.count() != 1 {
		t.Fatalf("expected ticket creation in the same turn, got %q", texts(out))
	}
	if h.session.Flow != 2 {
		t.Errorf("flow: %d", h.session.Flow)
	}
}

func TestPayloadTakesPrecedenceOverText(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(DirectReply("noted"))
	raw := RawTurn{Text: "ignore me", Value: []byte(`{"title":"A","description":"B"}`)}
	h.orch.Turn(context.Background(), h.session, raw, Caller{})

	if got := h.resolver.calls[0].input; got != "description: B\ntitle: A" {
		t.Errorf("resolver input: %q", got)
	}
}

func TestRepromptBoundEscalates(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.MaxReprompts = 2 })
	h.resolver.push(Invoke(CreateTicket{Title: "VPN"}, "What is going wrong with the VPN?"))

	for i := 0; i < 2; i++ {
		out := h.say("vpn")
		assertTexts(t, out, "What is going wrong with the VPN?")
		assertState(t, h.session, StateCollectingIntent)
	}
	out := h.say("vpn")
	if len(out) != 2 || !strings.Contains(out[0].Text, "ESC-1") || out[1].Text != MsgAnythingElse {
		t.Fatalf("escalation: %q", texts(out))
	}
	assertState(t, h.session, StateConfirmingContinuation)
	if h.tickets.count() != 0 {
		t.Error("incomplete action must never be dispatched")
	}
	if len(h.escalator.handoffs) != 1 || h.escalator.handoffs[0].Action != ActionCreateTicket {
		t.Errorf("handoffs: %+v", h.escalator.handoffs)
	}
	if h.session.Pending.Partial != nil {
		t.Error("partial should be discarded after escalation")
	}
}

func TestEscalationFallbackWhenEscalatorFails(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.MaxReprompts = 1 })
	h.escalator.ref = ""
	h.resolver.push(Invoke(CreateTicket{}, ""))

	h.say("ticket")
	out := h.say("ticket")
	assertTexts(t, out, MsgHandoffFallback, MsgAnythingElse)
}

func TestResolverFailureDegrades(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.fail(errors.New("timeout"))

	out := h.say("hello")
	assertTexts(t, out, MsgResolverFailure)
	assertState(t, h.session, StateCollectingIntent)
}

func TestHandlerFailureMovesToContinuation(t *testing.T) {
	h := newHarness(t, nil)
	h.tickets.err = errors.New("table unavailable")
	h.resolver.push(Invoke(CreateTicket{Title: "a", Description: "b"}, ""))

	out := h.say("ticket")
	assertTexts(t, out, "Error creating ticket: table unavailable", MsgAnythingElse)
	assertState(t, h.session, StateConfirmingContinuation)
}

func TestUnregisteredActionIsReported(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(LeaveStatus{}, ""))

	out := h.say("status of my leave?")
	assertTexts(t, out, MsgUnsupportedAction, MsgAnythingElse)
}

func TestPolicyQuestionRunsSubDialog(t *testing.T) {
	hit := &SearchHit{Title: "Leave Policy", Content: "Employees get 20 days of annual leave."}
	h := newHarness(t, func(d *Deps, _ *Options) {
		d.QnA = NewQnADialog(fixedSearcher{hit: hit}, fixedRefiner{answer: "You get 20 days per year."}, 0, quietLogger())
	})
	h.resolver.push(Invoke(RefineQuery{Query: "how many leave days"}, ""))

	out := h.say("how many leave days do I get?")
	assertTexts(t, out, "You get 20 days per year.", MsgAnythingElse)
	assertState(t, h.session, StateConfirmingContinuation)
}

func TestTranscriptMonotonicWithinFlow(t *testing.T) {
	h := newHarness(t, nil)
	inputs := []string{"one", "two", "three"}
	for i, in := range inputs {
		h.resolver.push(DirectReply("reply " + in))
		before := append([]Exchange(nil), h.session.Transcript...)
		h.say(in)
		if len(h.session.Transcript) != i+1 {
			t.Fatalf("transcript length after %q: %d", in, len(h.session.Transcript))
		}
		for j := range before {
			if h.session.Transcript[j] != before[j] {
				t.Fatalf("exchange %d changed", j)
			}
		}
		if got := len(h.resolver.calls[i].history); got != i {
			t.Errorf("history passed on call %d: %d exchanges", i, got)
		}
	}
}

func TestHistoryWindowLimitsResolverContext(t *testing.T) {
	h := newHarness(t, func(_ *Deps, o *Options) { o.HistoryWindow = 2 })
	for i := 0; i < 4; i++ {
		h.say("msg")
	}
	if got := len(h.resolver.calls[3].history); got != 2 {
		t.Errorf("windowed history: %d", got)
	}
	if len(h.session.Transcript) != 4 {
		t.Errorf("full transcript kept: %d", len(h.session.Transcript))
	}
}

func TestRestartReachesSameInitialState(t *testing.T) {
	build := func(t *testing.T, setup func(h *harness)) *Session {
		h := newHarness(t, nil)
		setup(h)
		h.submit(t, map[string]any{"action": "bogus"})
		return h.session
	}
	a := build(t, func(h *harness) {
		h.resolver.push(Invoke(CreateTicket{Title: "a", Description: "b"}, ""))
		h.say("ticket")
	})
	b := build(t, func(h *harness) {
		h.resolver.push(Invoke(CreateLeave{LeaveType: "Sick"}, ""))
		h.say("leave")
		h.say("still thinking")
	})
	for _, s := range []*Session{a, b} {
		if s.State != StateCollectingIntent || len(s.Transcript) != 0 || s.Pending.Partial != nil || s.Pending.Values != nil || s.Pending.Reprompts != 0 || !s.Greeted {
			t.Errorf("restart did not reach the initial prompt state: %+v", s)
		}
	}
}

func TestTerminalReachableFromEveryState(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T, h *harness)
		input string
	}{
		{"collecting", func(t *testing.T, h *harness) {}, "bye"},
		{"card", func(t *testing.T, h *harness) {
			h.resolver.push(Invoke(CreateTicket{Title: "a", Description: "b"}, ""))
			h.say("ticket")
			assertState(t, h.session, StateHandlingCardAction)
		}, "goodbye"},
		{"continuation", func(t *testing.T, h *harness) {
			h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-02", Reason: "x"}, ""))
			h.say("leave")
			assertState(t, h.session, StateConfirmingContinuation)
		}, "no thanks"},
		{"awaiting", func(t *testing.T, h *harness) { h.session.State = StateAwaitingAction }, "quit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(t, h)
			out := h.say(tt.input)
			assertState(t, h.session, StateTerminated)
			if out[len(out)-1].Text != MsgGoodbye {
				t.Errorf("closing message: %q", texts(out))
			}
		})
	}
}

func TestTransitionTableIsComplete(t *testing.T) {
	states := []State{StateCollectingIntent, StateAwaitingAction, StateHandlingCardAction, StateConfirmingContinuation, StateTerminated}
	kinds := []InputKind{InputEmpty, InputText, InputStructured, InputCardAction}
	for _, s := range states {
		for _, k := range kinds {
			tr, ok := lookup(s, k)
			if !ok || tr.handle == nil || len(tr.targets) == 0 {
				t.Errorf("missing transition for %s/%s", s, k)
			}
		}
	}
}

func TestCardActionsUseStoredTicket(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateTicket{Title: "Printer", Description: "Jammed"}, ""))
	h.say("printer jammed")

	out := h.submit(t, map[string]any{"action": "confirm", "ticketId": "SOMEONE-ELSES"})
	assertTexts(t, out, MsgInvalidTicketInput)
	assertState(t, h.session, StateHandlingCardAction)

	out = h.submit(t, map[string]any{"action": "save", "ticketId": "SOMEONE-ELSES", "title": "x", "description": "y"})
	assertTexts(t, out, MsgInvalidTicketInput)
	assertState(t, h.session, StateHandlingCardAction)
	if len(h.desk.confirmed) != 0 || len(h.desk.updates) != 0 {
		t.Fatalf("desk called for a foreign ticket: confirmed=%v updates=%+v", h.desk.confirmed, h.desk.updates)
	}

	out = h.submit(t, map[string]any{"action": "save", "title": "Printer 3F", "description": "Tray 2"})
	assertTexts(t, out, MsgTicketUpdated, MsgAnythingElse)
	want := TicketEdit{TicketID: "T1", Title: "Printer 3F", Description: "Tray 2"}
	if len(h.desk.updates) != 1 || h.desk.updates[0] != want {
		t.Errorf("updates: %+v", h.desk.updates)
	}
}

func TestAcknowledgementEndsConversation(t *testing.T) {
	for _, reply := range []string{"okay", "OK.", "Got it!"} {
		t.Run(reply, func(t *testing.T) {
			h := newHarness(t, nil)
			h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
			h.say("book leave")
			h.classifier.decision = DecisionAffirm

			out := h.say(reply)
			assertTexts(t, out, MsgGoodbye)
			assertState(t, h.session, StateTerminated)
			if h.classifier.calls != 0 {
				t.Errorf("classifier calls: %d", h.classifier.calls)
			}
		})
	}
}

// replaceTransition swaps one table row for the duration of the test.
func replaceTransition(t *testing.T, state State, kind InputKind, tr transition) {
	t.Helper()
	orig := transitions[state][kind]
	transitions[state][kind] = tr
	t.Cleanup(func() { transitions[state][kind] = orig })
}

func TestTransitionOutsideTableRestarts(t *testing.T) {
	h := newHarness(t, nil)
	h.resolver.push(Invoke(CreateLeave{LeaveType: "Annual", StartDate: "2024-06-01", EndDate: "2024-06-05", Reason: "Trip"}, ""))
	h.say("book leave")
	assertState(t, h.session, StateConfirmingContinuation)
	flow := h.session.Flow

	replaceTransition(t, StateConfirmingContinuation, InputEmpty, transition{
		handle: func(*Orchestrator, context.Context, *Session, TurnInput, Caller) step {
			return step{next: StateAwaitingAction, messages: []Message{text("should not be sent")}}
		},
		targets: []State{StateConfirmingContinuation},
	})

	out := h.say("")
	assertTexts(t, out, MsgNotUnderstood)
	assertState(t, h.session, StateCollectingIntent)
	if h.session.Flow != flow+1 || len(h.session.Transcript) != 0 {
		t.Errorf("session not restarted: flow=%d transcript=%+v", h.session.Flow, h.session.Transcript)
	}
}

func TestCarryStopsAfterMaxHops(t *testing.T) {
	h := newHarness(t, nil)
	hops := 0
	replaceTransition(t, StateCollectingIntent, InputText, transition{
		handle: func(_ *Orchestrator, _ context.Context, _ *Session, in TurnInput, _ Caller) step {
			hops++
			return step{next: StateCollectingIntent, carry: &in}
		},
		targets: restartTargets,
	})

	out := h.say("loop forever")
	assertTexts(t, out, MsgNotUnderstood)
	if hops != maxHops {
		t.Errorf("hops: got %d, want %d", hops, maxHops)
	}
	assertState(t, h.session, StateCollectingIntent)
}
