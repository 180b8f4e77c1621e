package helpdesk

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxUpdateAttempts bounds read-modify-write retries on version conflicts.
const maxUpdateAttempts = 3

type Tickets struct {
	repo TicketRepository
	now  func() time.Time
	log  *slog.Logger
}

func NewTickets(repo TicketRepository, logger *slog.Logger) *Tickets {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tickets{repo: repo, now: time.Now, log: logger}
}

func (s *Tickets) Create(ctx context.Context, owner Employee, title, description string) (Ticket, error) {
	return s.create(ctx, owner, title, description, TicketOpen)
}

// Handoff files a ticket for a conversation the bot could not complete.
func (s *Tickets) Handoff(ctx context.Context, owner Employee, title, description string) (Ticket, error) {
	return s.create(ctx, owner, title, description, TicketHandoff)
}

func (s *Tickets) create(ctx context.Context, owner Employee, title, description, status string) (Ticket, error) {
	now := s.now().UTC()
	t := Ticket{
		ID:          uuid.NewString(),
		Title:       strings.TrimSpace(title),
		Description: strings.TrimSpace(description),
		Status:      status,
		Owner:       owner,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if t.Title == "" || t.Description == "" {
		return Ticket{}, fmt.Errorf("ticket title and description are required")
	}
	if err := s.repo.CreateTicket(ctx, t); err != nil {
		return Ticket{}, fmt.Errorf("create ticket: %w", err)
	}
	s.log.Info("ticket created", "ticket_id", t.ID, "owner", owner.Email, "status", status)
	return t, nil
}

func (s *Tickets) Get(ctx context.Context, id string) (Ticket, error) {
	if strings.TrimSpace(id) == "" {
		return Ticket{}, fmt.Errorf("ticket id is required: %w", ErrNotFound)
	}
	return s.repo.GetTicket(ctx, id)
}

func (s *Tickets) Confirm(ctx context.Context, id string) (Ticket, error) {
	return s.modify(ctx, id, func(t *Ticket) { t.Status = TicketConfirmed })
}

func (s *Tickets) Update(ctx context.Context, id, title, description string) (Ticket, error) {
	title, description = strings.TrimSpace(title), strings.TrimSpace(description)
	if title == "" || description == "" {
		return Ticket{}, fmt.Errorf("ticket title and description are required")
	}
	return s.modify(ctx, id, func(t *Ticket) {
		t.Title = title
		t.Description = description
	})
}

// modify reloads and reapplies fn when another writer got there first.
func (s *Tickets) modify(ctx context.Context, id string, fn func(*Ticket)) (Ticket, error) {
	for attempt := 1; ; attempt++ {
		t, err := s.Get(ctx, id)
		if err != nil {
			return Ticket{}, err
		}
		fn(&t)
		t.UpdatedAt = s.now().UTC()
		v, err := s.repo.UpdateTicket(ctx, t)
		if err == nil {
			t.Version = v
			return t, nil
		}
		if !errors.Is(err, ErrVersionConflict) || attempt >= maxUpdateAttempts {
			return Ticket{}, fmt.Errorf("update ticket %s: %w", id, err)
		}
		s.log.Warn("ticket version conflict, retrying", "ticket_id", id, "attempt", attempt)
	}
}

type Leaves struct {
	repo LeaveRepository
	now  func() time.Time
	log  *slog.Logger
}

func NewLeaves(repo LeaveRepository, logger *slog.Logger) *Leaves {
	if logger == nil {
		logger = slog.Default()
	}
	return &Leaves{repo: repo, now: time.Now, log: logger}
}

// Submit files a leave request; new requests always start as Pending.
func (s *Leaves) Submit(ctx context.Context, owner Employee, leaveType, start, end, reason string) (Leave, error) {
	now := s.now().UTC()
	l := Leave{
		ID:        uuid.NewString(),
		Owner:     owner,
		LeaveType: strings.TrimSpace(leaveType),
		StartDate: start,
		EndDate:   end,
		Reason:    strings.TrimSpace(reason),
		Status:    LeavePending,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateLeave(ctx, l); err != nil {
		return Leave{}, fmt.Errorf("create leave: %w", err)
	}
	s.log.Info("leave submitted", "leave_id", l.ID, "owner", owner.Email, "type", l.LeaveType)
	return l, nil
}

// List returns the employee's leave requests, newest first.
func (s *Leaves) List(ctx context.Context, email string) ([]Leave, error) {
	ls, err := s.repo.ListLeaves(ctx, email)
	if err != nil {
		return nil, fmt.Errorf("list leaves: %w", err)
	}
	sort.SliceStable(ls, func(i, j int) bool { return ls[i].CreatedAt.After(ls[j].CreatedAt) })
	return ls, nil
}

type Holidays struct {
	repo HolidayRepository
	now  func() time.Time
	log  *slog.Logger
}

func NewHolidays(repo HolidayRepository, logger *slog.Logger) *Holidays {
	if logger == nil {
		logger = slog.Default()
	}
	return &Holidays{repo: repo, now: time.Now, log: logger}
}

// Upcoming returns holidays after today.
func (s *Holidays) Upcoming(ctx context.Context) ([]Holiday, error) {
	return s.After(ctx, s.now())
}

func (s *Holidays) After(ctx context.Context, day time.Time) ([]Holiday, error) {
	d := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, time.UTC)
	hs, err := s.repo.HolidaysAfter(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("list holidays: %w", err)
	}
	return hs, nil
}

// Import upserts holidays and returns how many were written.
func (s *Holidays) Import(ctx context.Context, hs []Holiday) (int, error) {
	for i, h := range hs {
		if strings.TrimSpace(h.Name) == "" || h.Date.IsZero() {
			return i, fmt.Errorf("holiday %d needs a name and a date", i+1)
		}
		if err := s.repo.UpsertHoliday(ctx, h); err != nil {
			return i, fmt.Errorf("import holiday %q: %w", h.Name, err)
		}
	}
	s.log.Info("holidays imported", "count", len(hs))
	return len(hs), nil
}
