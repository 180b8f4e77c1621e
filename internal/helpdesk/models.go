// Package helpdesk holds the ticket, leave and holiday records the bot acts
// on, and the action handlers that expose them to the dialog.
package helpdesk

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
)

const (
	TicketOpen      = "Open"
	TicketConfirmed = "Confirmed"
	TicketHandoff   = "Escalated"

	LeavePending  = "Pending"
	LeaveApproved = "Approved"
	LeaveRejected = "Rejected"
)

// Employee is the owner of a ticket or leave request.
type Employee struct {
	ID    string
	Name  string
	Email string
}

type Ticket struct {
	ID          string
	Title       string
	Description string
	Status      string
	Owner       Employee
	// Version is bumped on every update; writers must present the version
	// they read.
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Leave struct {
	ID        string
	Owner     Employee
	LeaveType string
	StartDate string
	EndDate   string
	Reason    string
	Status    string
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Holiday struct {
	Date time.Time
	Name string
	Type string
}

type TicketRepository interface {
	CreateTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, id string) (Ticket, error)
	// UpdateTicket stores t if the stored version still equals t.Version and
	// returns the new version, or ErrVersionConflict.
	UpdateTicket(ctx context.Context, t Ticket) (int64, error)
}

type LeaveRepository interface {
	CreateLeave(ctx context.Context, l Leave) error
	ListLeaves(ctx context.Context, email string) ([]Leave, error)
}

type HolidayRepository interface {
	// HolidaysAfter returns holidays strictly after day, ordered by date.
	HolidaysAfter(ctx context.Context, day time.Time) ([]Holiday, error)
	UpsertHoliday(ctx context.Context, h Holiday) error
}
