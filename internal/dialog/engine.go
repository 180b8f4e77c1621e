package dialog

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// SessionStore persists sessions between turns. Load returns nil, nil when
// the conversation has no session yet.
type SessionStore interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	Delete(ctx context.Context, id string) error
}

type TurnResult struct {
	ConversationID string    `json:"conversationId"`
	State          State     `json:"state"`
	Messages       []Message `json:"messages"`
}

// Engine is the host-facing entry point. Turns of one conversation run one at
// a time; different conversations proceed in parallel.
type Engine struct {
	orch  *Orchestrator
	store SessionStore
	locks *keyedMutex
	log   *slog.Logger
}

func NewEngine(orch *Orchestrator, store SessionStore, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{orch: orch, store: store, locks: newKeyedMutex(), log: logger}
}

// HandleTurn loads the session, applies the turn and saves the result.
func (e *Engine) HandleTurn(ctx context.Context, conversationID string, raw RawTurn, caller Caller) (TurnResult, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return TurnResult{}, fmt.Errorf("conversation id is required")
	}
	unlock := e.locks.Lock(conversationID)
	defer unlock()

	s, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load session %s: %w", conversationID, err)
	}
	if s == nil {
		s = NewSession(conversationID)
		e.log.Info("session started", "conversation_id", conversationID)
	}

	msgs := e.orch.Turn(ctx, s, raw, caller)

	// Side effects of the turn are already committed; persist even if the
	// caller has gone away.
	if err := e.store.Save(context.WithoutCancel(ctx), s); err != nil {
		return TurnResult{}, fmt.Errorf("save session %s: %w", conversationID, err)
	}
	return TurnResult{ConversationID: conversationID, State: s.State, Messages: msgs}, nil
}

// Snapshot returns a copy of the stored session, or nil when none exists.
func (e *Engine) Snapshot(ctx context.Context, conversationID string) (*Session, error) {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	s, err := e.store.Load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return s.Clone(), nil
}

// Reset forgets a conversation; its next turn starts a new session.
func (e *Engine) Reset(ctx context.Context, conversationID string) error {
	unlock := e.locks.Lock(conversationID)
	defer unlock()
	return e.store.Delete(ctx, conversationID)
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refLock)}
}

// Lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &refLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
