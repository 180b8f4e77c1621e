package helpdesk

import (
	"context"
	"fmt"
	"strings"
	"time"

	"helpdesk-backend/internal/cards"
	"helpdesk-backend/internal/dialog"
)

const (
	msgTicketCreated  = "Your support ticket has been created successfully! Ticket ID: %s"
	msgLeaveSubmitted = "Your leave request has been submitted successfully and is pending approval."
	msgLeaveStatus    = "Here is the status of your leave requests."
	msgHolidays       = "Here are the upcoming holidays."
	msgHolidaysAfter  = "Here are the holidays after %s."
)

// Handlers executes dialog actions against the helpdesk services.
type Handlers struct {
	Tickets  *Tickets
	Leaves   *Leaves
	Holidays *Holidays
}

// Register returns the handler table the orchestrator dispatches through.
// RefineQuery is served by the dialog's own Q&A sub-dialog.
func (h *Handlers) Register() map[dialog.ActionName]dialog.ActionHandler {
	return map[dialog.ActionName]dialog.ActionHandler{
		dialog.ActionCreateTicket:  dialog.ActionHandlerFunc(h.createTicket),
		dialog.ActionCreateLeave:   dialog.ActionHandlerFunc(h.createLeave),
		dialog.ActionLeaveStatus:   dialog.ActionHandlerFunc(h.leaveStatus),
		dialog.ActionHolidays:      dialog.ActionHandlerFunc(h.holidays),
		dialog.ActionHolidaysAfter: dialog.ActionHandlerFunc(h.holidays),
	}
}

func employee(c dialog.Caller) Employee {
	c = c.WithDefaults()
	return Employee{ID: c.ID, Name: c.Name, Email: c.Email}
}

func (h *Handlers) createTicket(ctx context.Context, a dialog.Action, caller dialog.Caller) (dialog.ActionResult, error) {
	req, ok := a.(dialog.CreateTicket)
	if !ok {
		return dialog.ActionResult{}, fmt.Errorf("unexpected action %T", a)
	}
	t, err := h.Tickets.Create(ctx, employee(caller), req.Title, req.Description)
	if err != nil {
		return dialog.ActionResult{}, err
	}
	card, err := cards.TicketCreated(ticketView(t))
	if err != nil {
		return dialog.ActionResult{}, err
	}
	return dialog.ActionResult{
		Text:       fmt.Sprintf(msgTicketCreated, t.ID),
		Attachment: card,
		FollowUp:   true,
		EntityKey:  t.ID,
	}, nil
}

func (h *Handlers) createLeave(ctx context.Context, a dialog.Action, caller dialog.Caller) (dialog.ActionResult, error) {
	req, ok := a.(dialog.CreateLeave)
	if !ok {
		return dialog.ActionResult{}, fmt.Errorf("unexpected action %T", a)
	}
	if _, err := h.Leaves.Submit(ctx, employee(caller), req.LeaveType, req.StartDate, req.EndDate, req.Reason); err != nil {
		return dialog.ActionResult{}, err
	}
	return dialog.ActionResult{Text: msgLeaveSubmitted}, nil
}

func (h *Handlers) leaveStatus(ctx context.Context, _ dialog.Action, caller dialog.Caller) (dialog.ActionResult, error) {
	leaves, err := h.Leaves.List(ctx, employee(caller).Email)
	if err != nil {
		return dialog.ActionResult{}, err
	}
	views := make([]cards.LeaveView, len(leaves))
	for i, l := range leaves {
		views[i] = cards.LeaveView{LeaveType: l.LeaveType, StartDate: l.StartDate, EndDate: l.EndDate, Reason: l.Reason, Status: l.Status}
	}
	card, err := cards.LeaveStatus(views)
	if err != nil {
		return dialog.ActionResult{}, err
	}
	return dialog.ActionResult{Text: msgLeaveStatus, Attachment: card}, nil
}

func (h *Handlers) holidays(ctx context.Context, a dialog.Action, _ dialog.Caller) (dialog.ActionResult, error) {
	var (
		hs   []Holiday
		err  error
		text = msgHolidays
	)
	switch req := a.(type) {
	case dialog.HolidaysAfter:
		day, perr := time.Parse(dialog.DateLayout, req.Date)
		if perr != nil {
			return dialog.ActionResult{}, fmt.Errorf("invalid date %q", req.Date)
		}
		hs, err = h.Holidays.After(ctx, day)
		text = fmt.Sprintf(msgHolidaysAfter, req.Date)
	default:
		hs, err = h.Holidays.Upcoming(ctx)
	}
	if err != nil {
		return dialog.ActionResult{}, err
	}
	views := make([]cards.HolidayView, len(hs))
	for i, x := range hs {
		views[i] = cards.HolidayView{Date: x.Date, Name: x.Name, Type: x.Type}
	}
	card, err := cards.Holidays(views)
	if err != nil {
		return dialog.ActionResult{}, err
	}
	return dialog.ActionResult{Text: text, Attachment: card}, nil
}

func ticketView(t Ticket) cards.TicketView {
	return cards.TicketView{ID: t.ID, Title: t.Title, Description: t.Description, Status: t.Status, CreatedAt: t.CreatedAt}
}

// Desk serves the ticket card's follow-up actions.
type Desk struct {
	Tickets *Tickets
}

func (d *Desk) EditForm(ctx context.Context, ticketID string) (*dialog.Attachment, error) {
	t, err := d.Tickets.Get(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	return cards.TicketEditForm(ticketView(t))
}

func (d *Desk) Confirm(ctx context.Context, ticketID string) error {
	_, err := d.Tickets.Confirm(ctx, ticketID)
	return err
}

func (d *Desk) Update(ctx context.Context, edit dialog.TicketEdit) error {
	_, err := d.Tickets.Update(ctx, edit.TicketID, edit.Title, edit.Description)
	return err
}

// Escalator hands stuck conversations to the support team as tickets.
type Escalator struct {
	Tickets *Tickets
}

func (e *Escalator) Escalate(ctx context.Context, h dialog.Handoff) (string, error) {
	title := "Chat assistance needed"
	if h.Action != "" {
		title += ": " + string(h.Action)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Conversation %s could not be completed by the assistant.\n", h.ConversationID)
	for _, ex := range h.Transcript {
		if ex.User != "" {
			fmt.Fprintf(&b, "\nUser: %s", ex.User)
		}
		if ex.Assistant != "" {
			fmt.Fprintf(&b, "\nBot: %s", ex.Assistant)
		}
	}
	t, err := e.Tickets.Handoff(ctx, employee(h.Caller), title, b.String())
	if err != nil {
		return "", err
	}
	return t.ID, nil
}
