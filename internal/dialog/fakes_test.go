package dialog

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type resolveCall struct {
	input   string
	history []Exchange
}

// scriptedResolver replays queued results; once the queue is drained it keeps
// returning the last one.
type scriptedResolver struct {
	mu      sync.Mutex
	results []Resolution
	errs    []error
	calls   []resolveCall
	last    *Resolution
	lastErr error
}

func (r *scriptedResolver) push(res Resolution) {
	r.results = append(r.results, res)
	r.errs = append(r.errs, nil)
}

func (r *scriptedResolver) fail(err error) {
	r.results = append(r.results, Resolution{})
	r.errs = append(r.errs, err)
}

func (r *scriptedResolver) Resolve(_ context.Context, input string, history []Exchange) (Resolution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resolveCall{input: input, history: history})
	if len(r.results) == 0 {
		if r.last == nil {
			return DirectReply("ok"), nil
		}
		return *r.last, r.lastErr
	}
	res, err := r.results[0], r.errs[0]
	r.results, r.errs = r.results[1:], r.errs[1:]
	r.last, r.lastErr = &res, err
	return res, err
}

type recordingHandler struct {
	mu      sync.Mutex
	actions []Action
	callers []Caller
	result  ActionResult
	err     error
}

func (h *recordingHandler) Handle(_ context.Context, a Action, c Caller) (ActionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.actions = append(h.actions, a)
	h.callers = append(h.callers, c)
	return h.result, h.err
}

func (h *recordingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.actions)
}

type fakeDesk struct {
	edited    []string
	confirmed []string
	updates   []TicketEdit
	err       error
}

func (d *fakeDesk) EditForm(_ context.Context, id string) (*Attachment, error) {
	d.edited = append(d.edited, id)
	if d.err != nil {
		return nil, d.err
	}
	return &Attachment{ContentType: "application/vnd.microsoft.card.adaptive", Content: json.RawMessage(`{"type":"AdaptiveCard"}`)}, nil
}

func (d *fakeDesk) Confirm(_ context.Context, id string) error {
	d.confirmed = append(d.confirmed, id)
	return d.err
}

func (d *fakeDesk) Update(_ context.Context, e TicketEdit) error {
	d.updates = append(d.updates, e)
	return d.err
}

type fixedSearcher struct {
	hit *SearchHit
	err error
}

func (s fixedSearcher) Search(context.Context, string) (*SearchHit, error) { return s.hit, s.err }

type fixedRefiner struct {
	answer string
	err    error
}

func (r fixedRefiner) Refine(context.Context, string, string) (string, error) { return r.answer, r.err }

type fixedClassifier struct {
	decision Decision
	calls    int
}

func (c *fixedClassifier) Classify(context.Context, string) (Decision, error) {
	c.calls++
	return c.decision, nil
}

type fakeEscalator struct {
	handoffs []Handoff
	ref      string
}

func (e *fakeEscalator) Escalate(_ context.Context, h Handoff) (string, error) {
	e.handoffs = append(e.handoffs, h)
	if e.ref == "" {
		return "", errors.New("queue unavailable")
	}
	return e.ref, nil
}

type mapStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func newMapStore() *mapStore { return &mapStore{sessions: map[string]*Session{}} }

func (m *mapStore) Load(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id].Clone(), nil
}

func (m *mapStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s.Clone()
	return nil
}

func (m *mapStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type harness struct {
	resolver   *scriptedResolver
	tickets    *recordingHandler
	leaves     *recordingHandler
	desk       *fakeDesk
	classifier *fixedClassifier
	escalator  *fakeEscalator
	orch       *Orchestrator
	session    *Session
}

func newHarness(t *testing.T, mutate func(*Deps, *Options)) *harness {
	t.Helper()
	h := &harness{
		resolver: &scriptedResolver{},
		tickets: &recordingHandler{result: ActionResult{
			Text:       "Your support ticket has been created successfully! Ticket ID: T1",
			Attachment: &Attachment{ContentType: "application/vnd.microsoft.card.adaptive", Content: json.RawMessage(`{}`)},
			FollowUp:   true,
			EntityKey:  "T1",
		}},
		leaves:     &recordingHandler{result: ActionResult{Text: "Your leave request has been submitted successfully and is pending approval."}},
		desk:       &fakeDesk{},
		classifier: &fixedClassifier{decision: DecisionNewRequest},
		escalator:  &fakeEscalator{ref: "ESC-1"},
		session:    NewSession("conv-1"),
	}
	deps := Deps{
		Resolver: h.resolver,
		Handlers: map[ActionName]ActionHandler{
			ActionCreateTicket: h.tickets,
			ActionCreateLeave:  h.leaves,
		},
		Desk:       h.desk,
		QnA:        NewQnADialog(fixedSearcher{}, nil, time.Second, quietLogger()),
		Classifier: h.classifier,
		Escalator:  h.escalator,
	}
	opts := Options{
		MaxReprompts:    3,
		HistoryWindow:   0,
		ResolverTimeout: time.Second,
		Logger:          quietLogger(),
		Now:             func() time.Time { return time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC) },
	}
	if mutate != nil {
		mutate(&deps, &opts)
	}
	h.orch = NewOrchestrator(deps, opts)
	return h
}

func (h *harness) say(text string) []Message {
	return h.orch.Turn(context.Background(), h.session, RawTurn{Text: text}, Caller{ID: "u1", Name: "Ada"})
}

func (h *harness) submit(t *testing.T, payload map[string]any) []Message {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return h.orch.Turn(context.Background(), h.session, RawTurn{Value: b}, Caller{ID: "u1", Name: "Ada"})
}

func texts(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Text
	}
	return out
}

func assertTexts(t *testing.T, got []Message, want ...string) {
	t.Helper()
	g := texts(got)
	if len(g) != len(want) {
		t.Fatalf("messages: got %q, want %q", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("message %d: got %q, want %q", i, g[i], want[i])
		}
	}
}

func assertState(t *testing.T, s *Session, want State) {
	t.Helper()
	if s.State != want {
		t.Fatalf("state: got %s, want %s", s.State, want)
	}
}
