package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"helpdesk-backend/internal/db"
	"helpdesk-backend/internal/helpdesk"
)

const dateLayout = "2006-01-02"

// DatabaseStore keeps tickets, leave requests and holidays in SQL.
type DatabaseStore struct {
	db *db.DB
}

// NewDatabaseStore creates a new database store
func NewDatabaseStore(database *db.DB) *DatabaseStore {
	return &DatabaseStore{db: database}
}

func (ds *DatabaseStore) CreateTicket(ctx context.Context, t helpdesk.Ticket) error {
	if t.ID == "" {
		return fmt.Errorf("ticket id is required")
	}
	query := ds.db.Rebind(`
		INSERT INTO support_tickets
			(id, title, description, status, employee_id, employee_name, employee_email, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := ds.db.ExecContext(ctx, query,
		t.ID, t.Title, t.Description, t.Status,
		t.Owner.ID, t.Owner.Name, t.Owner.Email,
		max(t.Version, 1), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save ticket: %w", err)
	}
	return nil
}

func (ds *DatabaseStore) GetTicket(ctx context.Context, id string) (helpdesk.Ticket, error) {
	var (
		t                helpdesk.Ticket
		created, updated int64
	)
	query := ds.db.Rebind(`
		SELECT id, title, description, status, employee_id, employee_name, employee_email, version, created_at, updated_at
		FROM support_tickets
		WHERE id = ?
	`)
	err := ds.db.QueryRowContext(ctx, query, id).Scan(
		&t.ID, &t.Title, &t.Description, &t.Status,
		&t.Owner.ID, &t.Owner.Name, &t.Owner.Email,
		&t.Version, &created, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return helpdesk.Ticket{}, fmt.Errorf("ticket %s: %w", id, helpdesk.ErrNotFound)
	}
	if err != nil {
		return helpdesk.Ticket{}, fmt.Errorf("failed to get ticket: %w", err)
	}
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	return t, nil
}

// UpdateTicket writes t only if the row still carries t.Version.
func (ds *DatabaseStore) UpdateTicket(ctx context.Context, t helpdesk.Ticket) (int64, error) {
	query := ds.db.Rebind(`
		UPDATE support_tickets
		SET title = ?, description = ?, status = ?, version = version + 1, updated_at = ?
		WHERE id = ? AND version = ?
	`)
	res, err := ds.db.ExecContext(ctx, query, t.Title, t.Description, t.Status, t.UpdatedAt.UnixMilli(), t.ID, t.Version)
	if err != nil {
		return 0, fmt.Errorf("failed to update ticket: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to update ticket: %w", err)
	}
	if n == 0 {
		if _, err := ds.GetTicket(ctx, t.ID); err != nil {
			return 0, err
		}
		return 0, helpdesk.ErrVersionConflict
	}
	return t.Version + 1, nil
}

func (ds *DatabaseStore) CreateLeave(ctx context.Context, l helpdesk.Leave) error {
	query := ds.db.Rebind(`
		INSERT INTO employee_leaves
			(id, employee_id, employee_name, employee_email, leave_type, start_date, end_date, reason, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	_, err := ds.db.ExecContext(ctx, query,
		l.ID, l.Owner.ID, l.Owner.Name, l.Owner.Email,
		l.LeaveType, l.StartDate, l.EndDate, l.Reason, l.Status,
		max(l.Version, 1), l.CreatedAt.UnixMilli(), l.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save leave: %w", err)
	}
	return nil
}

func (ds *DatabaseStore) ListLeaves(ctx context.Context, email string) ([]helpdesk.Leave, error) {
	query := ds.db.Rebind(`
		SELECT id, employee_id, employee_name, employee_email, leave_type, start_date, end_date, reason, status, version, created_at, updated_at
		FROM employee_leaves
		WHERE employee_email = ?
		ORDER BY created_at DESC
	`)
	rows, err := ds.db.QueryContext(ctx, query, email)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaves: %w", err)
	}
	defer rows.Close()

	var out []helpdesk.Leave
	for rows.Next() {
		var (
			l                helpdesk.Leave
			created, updated int64
		)
		if err := rows.Scan(
			&l.ID, &l.Owner.ID, &l.Owner.Name, &l.Owner.Email,
			&l.LeaveType, &l.StartDate, &l.EndDate, &l.Reason, &l.Status,
			&l.Version, &created, &updated,
		); err != nil {
			return nil, fmt.Errorf("failed to scan leave: %w", err)
		}
		l.CreatedAt = time.UnixMilli(created).UTC()
		l.UpdatedAt = time.UnixMilli(updated).UTC()
		out = append(out, l)
	}
	return out, rows.Err()
}

func (ds *DatabaseStore) HolidaysAfter(ctx context.Context, day time.Time) ([]helpdesk.Holiday, error) {
	query := ds.db.Rebind(`
		SELECT holiday_date, name, holiday_type
		FROM holidays
		WHERE holiday_date > ?
		ORDER BY holiday_date, name
	`)
	rows, err := ds.db.QueryContext(ctx, query, day.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("failed to list holidays: %w", err)
	}
	defer rows.Close()

	var out []helpdesk.Holiday
	for rows.Next() {
		var (
			h    helpdesk.Holiday
			date string
		)
		if err := rows.Scan(&date, &h.Name, &h.Type); err != nil {
			return nil, fmt.Errorf("failed to scan holiday: %w", err)
		}
		if h.Date, err = time.Parse(dateLayout, date); err != nil {
			return nil, fmt.Errorf("holiday %q has bad date %q: %w", h.Name, date, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (ds *DatabaseStore) UpsertHoliday(ctx context.Context, h helpdesk.Holiday) error {
	query := ds.db.Rebind(`
		INSERT INTO holidays (holiday_date, name, holiday_type)
		VALUES (?, ?, ?)
		ON CONFLICT (holiday_date, name)
		DO UPDATE SET holiday_type = EXCLUDED.holiday_type
	`)
	if _, err := ds.db.ExecContext(ctx, query, h.Date.Format(dateLayout), h.Name, h.Type); err != nil {
		return fmt.Errorf("failed to save holiday: %w", err)
	}
	return nil
}
