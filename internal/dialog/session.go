package dialog

import (
	"errors"
	"time"
)

// ErrSessionConflict is returned by session stores when a save races with
// another writer of the same conversation.
var ErrSessionConflict = errors.New("session was modified concurrently")

// Exchange is one user/assistant round trip of a flow.
type Exchange struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// PartialAction is an action still waiting for required arguments.
type PartialAction struct {
	Name ActionName        `json:"name"`
	Args map[string]string `json:"args"`
}

// Pending holds values scoped to the active sub-dialog. It is discarded as a
// whole when that sub-dialog ends.
type Pending struct {
	Values    map[string]string `json:"values,omitempty"`
	Partial   *PartialAction    `json:"partial,omitempty"`
	Reprompts int               `json:"reprompts,omitempty"`
}

// Pending value keys.
const (
	KeyTicketID = "ticketId"
	KeyPrompt   = "prompt"
)

// Session is the complete per-conversation dialog state.
type Session struct {
	ID         string     `json:"id"`
	State      State      `json:"state"`
	Flow       int        `json:"flow"`
	Greeted    bool       `json:"greeted"`
	Transcript []Exchange `json:"transcript"`
	Pending    Pending    `json:"pending"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	// Version is the store's concurrency token; zero means never saved.
	Version int64 `json:"-"`
}

func NewSession(id string) *Session {
	return &Session{ID: id, State: StateCollectingIntent, Flow: 1}
}

// Record appends an exchange to the current flow's transcript.
func (s *Session) Record(user, assistant string, at time.Time) {
	s.Transcript = append(s.Transcript, Exchange{User: user, Assistant: assistant, At: at})
}

// History returns a copy of the last window exchanges; window <= 0 means all.
func (s *Session) History(window int) []Exchange {
	src := s.Transcript
	if window > 0 && len(src) > window {
		src = src[len(src)-window:]
	}
	out := make([]Exchange, len(src))
	copy(out, src)
	return out
}

// EndSubDialog discards all sub-dialog scoped values.
func (s *Session) EndSubDialog() {
	s.Pending = Pending{}
}

func (s *Session) setValue(key, value string) {
	if s.Pending.Values == nil {
		s.Pending.Values = make(map[string]string)
	}
	s.Pending.Values[key] = value
}

// restart begins a new top-level flow with nothing carried over.
func (s *Session) restart() {
	s.Flow++
	s.State = StateCollectingIntent
	s.Greeted = false
	s.Transcript = nil
	s.Pending = Pending{}
}

// Clone returns a deep copy so stores never share memory with callers.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	out.Transcript = append([]Exchange(nil), s.Transcript...)
	out.Pending = Pending{Reprompts: s.Pending.Reprompts}
	if s.Pending.Values != nil {
		out.Pending.Values = make(map[string]string, len(s.Pending.Values))
		for k, v := range s.Pending.Values {
			out.Pending.Values[k] = v
		}
	}
	if p := s.Pending.Partial; p != nil {
		args := make(map[string]string, len(p.Args))
		for k, v := range p.Args {
			args[k] = v
		}
		out.Pending.Partial = &PartialAction{Name: p.Name, Args: args}
	}
	return &out
}
