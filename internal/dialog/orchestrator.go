package dialog

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Caller identifies who a turn is on behalf of.
type Caller struct {
	ID    string
	Name  string
	Email string
}

const (
	DefaultCallerName  = "Default User"
	DefaultCallerEmail = "default@example.com"
)

// WithDefaults fills a missing name or email with placeholders.
func (c Caller) WithDefaults() Caller {
	if strings.TrimSpace(c.Name) == "" {
		c.Name = DefaultCallerName
	}
	if strings.TrimSpace(c.Email) == "" {
		c.Email = DefaultCallerEmail
	}
	return c
}

// Resolution is what the resolver made of a turn: a direct reply when Action
// is nil, otherwise an action invocation. Reply may accompany an invocation as
// a clarifying question.
type Resolution struct {
	Reply  string
	Action Action
}

func DirectReply(text string) Resolution { return Resolution{Reply: text} }

func Invoke(a Action, note string) Resolution { return Resolution{Action: a, Reply: note} }

// Resolver turns user input plus transcript into a resolution.
type Resolver interface {
	Resolve(ctx context.Context, input string, history []Exchange) (Resolution, error)
}

// ActionResult is what a handler produced.
type ActionResult struct {
	Text       string
	Attachment *Attachment
	// FollowUp means the attachment expects a card action next turn.
	FollowUp bool
	// EntityKey identifies the created record for follow-up card actions.
	EntityKey string
}

// ActionHandler executes one kind of complete action.
type ActionHandler interface {
	Handle(ctx context.Context, action Action, caller Caller) (ActionResult, error)
}

// ActionHandlerFunc adapts a function to ActionHandler.
type ActionHandlerFunc func(ctx context.Context, action Action, caller Caller) (ActionResult, error)

func (f ActionHandlerFunc) Handle(ctx context.Context, action Action, caller Caller) (ActionResult, error) {
	return f(ctx, action, caller)
}

// TicketEdit is an edited-field submission from the ticket edit form.
type TicketEdit struct {
	TicketID    string
	Title       string
	Description string
}

// TicketDesk serves card actions on a ticket created earlier in the flow.
type TicketDesk interface {
	EditForm(ctx context.Context, ticketID string) (*Attachment, error)
	Confirm(ctx context.Context, ticketID string) error
	Update(ctx context.Context, edit TicketEdit) error
}

// Decision is the user's answer to "anything else?".
type Decision int

const (
	DecisionNewRequest Decision = iota
	DecisionAffirm
	DecisionDecline
)

// ContinuationClassifier decides free-text answers the keyword rules could not.
type ContinuationClassifier interface {
	Classify(ctx context.Context, text string) (Decision, error)
}

// Handoff describes a conversation passed to a human after repeated reprompts.
type Handoff struct {
	ConversationID string
	Caller         Caller
	Action         ActionName
	Transcript     []Exchange
}

// Escalator hands a stuck conversation to a human and returns a reference.
type Escalator interface {
	Escalate(ctx context.Context, h Handoff) (string, error)
}

type Options struct {
	// MaxReprompts is how many consecutive reprompts are sent before escalating.
	MaxReprompts    int
	HistoryWindow   int
	ResolverTimeout time.Duration
	Logger          *slog.Logger
	Now             func() time.Time
}

type Deps struct {
	Resolver   Resolver
	Handlers   map[ActionName]ActionHandler
	Desk       TicketDesk
	QnA        *QnADialog
	Classifier ContinuationClassifier
	Escalator  Escalator
}

// Orchestrator runs turns against a session using the transition table.
type Orchestrator struct {
	deps Deps
	opts Options
	log  *slog.Logger
}

const maxHops = 3

func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if opts.MaxReprompts <= 0 {
		opts.MaxReprompts = 3
	}
	if opts.ResolverTimeout <= 0 {
		opts.ResolverTimeout = 20 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if deps.Handlers == nil {
		deps.Handlers = map[ActionName]ActionHandler{}
	}
	return &Orchestrator{deps: deps, opts: opts, log: opts.Logger}
}

// Turn applies one inbound turn to s and returns the outbound messages.
// Restarts re-dispatch their carried input through the table, bounded by maxHops.
func (o *Orchestrator) Turn(ctx context.Context, s *Session, raw RawTurn, caller Caller) []Message {
	caller = caller.WithDefaults()
	in := Normalize(raw)
	o.log.Debug("turn", "conversation_id", s.ID, "state", s.State, "input", in.Kind.String(), "class", string(in.Classify(s)))

	var out []Message
	for hop := 0; hop < maxHops; hop++ {
		t, ok := lookup(s.State, in.Kind)
		if !ok {
			o.log.Error("no transition", "conversation_id", s.ID, "state", s.State, "input", in.Kind.String())
			s.restart()
			t, _ = lookup(s.State, in.Kind)
		}
		from := s.State
		st := t.handle(o, ctx, s, in, caller)
		if !allowed(t, st.next) {
			o.log.Error("transition outside table", "conversation_id", s.ID, "from", from, "to", st.next)
			s.restart()
			s.Greeted = true
			st = step{next: StateCollectingIntent, messages: []Message{text(MsgNotUnderstood)}}
		}
		s.State = st.next
		out = append(out, st.messages...)
		o.log.Info("transition", "conversation_id", s.ID, "from", from, "to", st.next, "flow", s.Flow)
		if st.carry == nil {
			s.UpdatedAt = o.opts.Now()
			return out
		}
		in = *st.carry
	}
	o.log.Warn("input dropped after max hops", "conversation_id", s.ID, "state", s.State, "input", in.Kind.String())
	s.UpdatedAt = o.opts.Now()
	return append(out, text(MsgNotUnderstood))
}

func (o *Orchestrator) greet(_ context.Context, s *Session, _ TurnInput, _ Caller) step {
	if p := s.Pending.Values[KeyPrompt]; p != "" && s.Pending.Partial != nil {
		return step{next: StateCollectingIntent, messages: []Message{text(p)}}
	}
	s.Greeted = true
	return step{next: StateCollectingIntent, messages: []Message{text(MsgGreeting)}}
}

func (o *Orchestrator) collect(ctx context.Context, s *Session, in TurnInput, caller Caller) step {
	if s.State == StateAwaitingAction {
		o.log.Warn("resuming interrupted dispatch as new input", "conversation_id", s.ID)
		s.State = StateCollectingIntent
	}
	if in.Kind == InputText && exitPhrases[normalizePhrase(in.Text)] {
		s.Record(in.Text, MsgGoodbye, o.opts.Now())
		s.EndSubDialog()
		return step{next: StateTerminated, messages: []Message{text(MsgGoodbye)}}
	}

	res, err := o.resolve(ctx, s, in.Text)
	if err != nil {
		o.log.Warn("intent resolution failed", "conversation_id", s.ID, "error", err)
		res = DirectReply(MsgResolverFailure)
	}

	if res.Action == nil {
		reply := strings.TrimSpace(res.Reply)
		if reply == "" {
			reply = MsgResolverFailure
		}
		s.Record(in.Text, reply, o.opts.Now())
		if s.Pending.Partial != nil && err == nil {
			return o.reprompt(ctx, s, caller, reply)
		}
		return step{next: StateCollectingIntent, messages: []Message{text(reply)}}
	}

	if p := s.Pending.Partial; p != nil && p.Name != res.Action.Name() {
		s.Pending.Reprompts = 0
	}
	action := mergePartial(res.Action, s.Pending.Partial)
	if missing := action.Missing(); len(missing) > 0 {
		s.Pending.Partial = &PartialAction{Name: action.Name(), Args: action.Args()}
		prompt := strings.TrimSpace(res.Reply)
		if prompt == "" {
			prompt = MissingPrompt(missing)
		}
		s.Record(in.Text, prompt, o.opts.Now())
		o.log.Info("incomplete arguments", "conversation_id", s.ID, "action", string(action.Name()), "missing", missing)
		return o.reprompt(ctx, s, caller, prompt)
	}

	s.State = StateAwaitingAction
	s.EndSubDialog()
	return o.dispatch(ctx, s, in, action, caller)
}

func (o *Orchestrator) resolve(ctx context.Context, s *Session, input string) (Resolution, error) {
	if o.deps.Resolver == nil {
		return Resolution{}, errNoResolver
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ResolverTimeout)
	defer cancel()
	return o.deps.Resolver.Resolve(ctx, input, s.History(o.opts.HistoryWindow))
}

// reprompt keeps collecting, or escalates once the bound is exceeded.
func (o *Orchestrator) reprompt(ctx context.Context, s *Session, caller Caller, prompt string) step {
	s.Pending.Reprompts++
	if s.Pending.Reprompts <= o.opts.MaxReprompts {
		s.setValue(KeyPrompt, prompt)
		return step{next: StateCollectingIntent, messages: []Message{text(prompt)}}
	}

	var action ActionName
	if s.Pending.Partial != nil {
		action = s.Pending.Partial.Name
	}
	msg := MsgHandoffFallback
	if o.deps.Escalator != nil {
		ref, err := o.deps.Escalator.Escalate(ctx, Handoff{
			ConversationID: s.ID,
			Caller:         caller,
			Action:         action,
			Transcript:     s.History(0),
		})
		if err != nil {
			o.log.Error("escalation failed", "conversation_id", s.ID, "error", err)
		} else {
			msg = handoffMessage(ref)
		}
	}
	o.log.Info("escalated after reprompts", "conversation_id", s.ID, "action", string(action), "reprompts", s.Pending.Reprompts-1)
	s.EndSubDialog()
	return o.toContinuation(text(msg))
}

func (o *Orchestrator) dispatch(ctx context.Context, s *Session, in TurnInput, action Action, caller Caller) step {
	if q, ok := action.(RefineQuery); ok {
		res := o.deps.QnA.Run(ctx, QnAOptions{Query: q.Query})
		s.Record(in.Text, res.Answer, o.opts.Now())
		return o.toContinuation(res.Messages...)
	}

	h, ok := o.deps.Handlers[action.Name()]
	if !ok {
		o.log.Warn("no handler registered", "action", string(action.Name()))
		s.Record(in.Text, MsgUnsupportedAction, o.opts.Now())
		return o.toContinuation(text(MsgUnsupportedAction))
	}
	result, err := h.Handle(ctx, action, caller)
	if err != nil {
		o.log.Error("action failed", "conversation_id", s.ID, "action", string(action.Name()), "error", err)
		msg := failureMessage(action.Name(), err)
		s.Record(in.Text, msg, o.opts.Now())
		return o.toContinuation(text(msg))
	}
	o.log.Info("action dispatched", "conversation_id", s.ID, "action", string(action.Name()))
	s.Record(in.Text, result.Text, o.opts.Now())
	msg := Message{Text: result.Text, Attachment: result.Attachment}
	if result.FollowUp {
		s.setValue(KeyTicketID, result.EntityKey)
		return step{next: StateHandlingCardAction, messages: []Message{msg}}
	}
	return o.toContinuation(msg)
}

func (o *Orchestrator) toContinuation(msgs ...Message) step {
	out := append(append([]Message(nil), msgs...), text(MsgAnythingElse))
	return step{next: StateConfirmingContinuation, messages: out}
}

func (o *Orchestrator) cardAction(ctx context.Context, s *Session, in TurnInput, _ Caller) step {
	ticketID := s.Pending.Values[KeyTicketID]
	if sent, ok := in.Fields[KeyTicketID]; ticketID == "" || (ok && sent != ticketID) {
		o.log.Warn("card ticket does not match session", "conversation_id", s.ID, "action", in.Action, "ticket_id", sent)
		s.Record(in.Text, MsgInvalidTicketInput, o.opts.Now())
		return step{next: StateHandlingCardAction, messages: []Message{text(MsgInvalidTicketInput)}}
	}
	switch in.Action {
	case CardEdit:
		form, err := o.desk().EditForm(ctx, ticketID)
		if err != nil {
			return o.cardFailure(s, in, "Error loading ticket: "+err.Error())
		}
		s.Record(in.Text, MsgEditTicket, o.opts.Now())
		return step{next: StateHandlingCardAction, messages: []Message{{Text: MsgEditTicket, Attachment: form}}}
	case CardConfirm:
		if err := o.desk().Confirm(ctx, ticketID); err != nil {
			return o.cardFailure(s, in, "Error confirming ticket: "+err.Error())
		}
		s.Record(in.Text, MsgTicketConfirmed, o.opts.Now())
		s.EndSubDialog()
		return o.toContinuation(text(MsgTicketConfirmed))
	case CardSave:
		edit := TicketEdit{
			TicketID:    ticketID,
			Title:       in.Fields["title"],
			Description: in.Fields["description"],
		}
		if edit.Title == "" || edit.Description == "" {
			s.Record(in.Text, MsgInvalidTicketInput, o.opts.Now())
			return step{next: StateHandlingCardAction, messages: []Message{text(MsgInvalidTicketInput)}}
		}
		if err := o.desk().Update(ctx, edit); err != nil {
			return o.cardFailure(s, in, "Error updating ticket: "+err.Error())
		}
		s.Record(in.Text, MsgTicketUpdated, o.opts.Now())
		s.EndSubDialog()
		return o.toContinuation(text(MsgTicketUpdated))
	}
	return o.unrecognized(ctx, s, in, Caller{})
}

func (o *Orchestrator) cardFailure(s *Session, in TurnInput, msg string) step {
	o.log.Error("card action failed", "conversation_id", s.ID, "action", in.Action, "error", msg)
	s.Record(in.Text, msg, o.opts.Now())
	s.EndSubDialog()
	return o.toContinuation(text(msg))
}

func (o *Orchestrator) desk() TicketDesk {
	if o.deps.Desk == nil {
		return noDesk{}
	}
	return o.deps.Desk
}

// unrecognized restarts the top-level flow with nothing preserved.
func (o *Orchestrator) unrecognized(_ context.Context, s *Session, in TurnInput, _ Caller) step {
	o.log.Info("unrecognized card action", "conversation_id", s.ID, "action", in.Action, "state", s.State)
	s.restart()
	s.Greeted = true
	return step{next: StateCollectingIntent, messages: []Message{text(MsgNotUnderstood), text(MsgGreeting)}}
}

// newRequest starts a fresh flow and hands it the current input.
func (o *Orchestrator) newRequest(_ context.Context, s *Session, in TurnInput, _ Caller) step {
	s.restart()
	carry := in
	return step{next: StateCollectingIntent, carry: &carry}
}

func (o *Orchestrator) remindCard(_ context.Context, _ *Session, _ TurnInput, _ Caller) step {
	return step{next: StateHandlingCardAction, messages: []Message{text(MsgUseCardButtons)}}
}

func (o *Orchestrator) askAgain(_ context.Context, _ *Session, _ TurnInput, _ Caller) step {
	return step{next: StateConfirmingContinuation, messages: []Message{text(MsgAnythingElse)}}
}

func (o *Orchestrator) decideContinuation(ctx context.Context, s *Session, in TurnInput, caller Caller) step {
	var d Decision
	if in.Kind == InputCardAction {
		if in.Action != CardChoice {
			return o.unrecognized(ctx, s, in, caller)
		}
		switch normalizePhrase(in.Fields[CardChoice]) {
		case "yes":
			d = DecisionAffirm
		case "no":
			d = DecisionDecline
		default:
			return o.unrecognized(ctx, s, in, caller)
		}
	} else {
		d = o.classifyContinuation(ctx, s, in.Text)
	}

	switch d {
	case DecisionDecline:
		s.Record(in.Text, MsgGoodbye, o.opts.Now())
		s.EndSubDialog()
		return step{next: StateTerminated, messages: []Message{text(MsgGoodbye)}}
	case DecisionAffirm:
		s.restart()
		s.Greeted = true
		return step{next: StateCollectingIntent, messages: []Message{text(MsgWhatElse)}}
	}
	return o.newRequest(ctx, s, in, caller)
}

func (o *Orchestrator) classifyContinuation(ctx context.Context, s *Session, input string) Decision {
	p := normalizePhrase(input)
	switch {
	case declinePhrases[p]:
		return DecisionDecline
	case affirmPhrases[p]:
		return DecisionAffirm
	case o.deps.Classifier == nil:
		return DecisionNewRequest
	}
	ctx, cancel := context.WithTimeout(ctx, o.opts.ResolverTimeout)
	defer cancel()
	d, err := o.deps.Classifier.Classify(ctx, input)
	if err != nil {
		o.log.Warn("continuation classification failed", "conversation_id", s.ID, "error", err)
		return DecisionNewRequest
	}
	return d
}

// reopen starts a new session after Terminated and processes the input in it.
func (o *Orchestrator) reopen(ctx context.Context, s *Session, in TurnInput, caller Caller) step {
	if in.Kind == InputEmpty {
		s.restart()
		return o.greet(ctx, s, in, caller)
	}
	return o.newRequest(ctx, s, in, caller)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

var (
	errNoResolver = errors.New("no intent resolver configured")
	errNoDesk     = errors.New("ticket actions are not available")
)

type noDesk struct{}

func (noDesk) EditForm(context.Context, string) (*Attachment, error) { return nil, errNoDesk }
func (noDesk) Confirm(context.Context, string) error                 { return errNoDesk }
func (noDesk) Update(context.Context, TicketEdit) error              { return errNoDesk }
