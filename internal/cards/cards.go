// Package cards builds the Adaptive Card payloads the bot attaches to its
// replies.
package cards

import (
	"encoding/json"
	"fmt"
	"time"

	"helpdesk-backend/internal/dialog"
)

const (
	ContentType = "application/vnd.microsoft.card.adaptive"
	version     = "1.3"
	schema      = "http://adaptivecards.io/schemas/adaptive-card.json"

	holidayDateLayout = "Monday, January 02, 2006"
	createdAtLayout   = "01/02/2006 15:04"
)

// Element is any Adaptive Card body element or action.
type Element map[string]any

type card struct {
	Schema  string    `json:"$schema"`
	Type    string    `json:"type"`
	Version string    `json:"version"`
	Body    []Element `json:"body"`
	Actions []Element `json:"actions,omitempty"`
}

// TicketView is the ticket data shown on ticket cards.
type TicketView struct {
	ID          string
	Title       string
	Description string
	Status      string
	CreatedAt   time.Time
}

// LeaveView is one leave request on the status card.
type LeaveView struct {
	LeaveType string
	StartDate string
	EndDate   string
	Reason    string
	Status    string
}

// HolidayView is one row of the holiday card.
type HolidayView struct {
	Date time.Time
	Name string
	Type string
}

func heading(s string) Element {
	return Element{"type": "TextBlock", "text": s, "weight": "Bolder", "size": "Large", "wrap": true}
}

func textBlock(s string) Element {
	return Element{"type": "TextBlock", "text": s, "wrap": true}
}

func facts(pairs ...string) Element {
	fs := make([]Element, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		fs = append(fs, Element{"title": pairs[i], "value": pairs[i+1]})
	}
	return Element{"type": "FactSet", "facts": fs}
}

func submit(title string, data map[string]string) Element {
	return Element{"type": "Action.Submit", "title": title, "data": data}
}

func attach(c card) (*dialog.Attachment, error) {
	c.Schema, c.Type, c.Version = schema, "AdaptiveCard", version
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal card: %w", err)
	}
	return &dialog.Attachment{ContentType: ContentType, Content: b}, nil
}

// TicketCreated shows a new ticket with Edit and Confirm buttons.
func TicketCreated(t TicketView) (*dialog.Attachment, error) {
	return attach(card{
		Body: []Element{
			heading("Support Ticket Created"),
			facts(
				"Ticket ID", t.ID,
				"Title", t.Title,
				"Description", t.Description,
				"Status", t.Status,
				"Created", t.CreatedAt.UTC().Format(createdAtLayout),
			),
		},
		Actions: []Element{
			submit("Edit", map[string]string{"action": "edit", "ticketId": t.ID}),
			submit("Confirm", map[string]string{"action": "confirm", "ticketId": t.ID}),
		},
	})
}

// TicketEditForm pre-fills the ticket's fields. Submitting it sends the
// ticketId, title and description inputs together.
func TicketEditForm(t TicketView) (*dialog.Attachment, error) {
	return attach(card{
		Body: []Element{
			heading("Edit Ticket"),
			textBlock("Ticket ID: " + t.ID),
			{"type": "Input.Text", "id": "title", "label": "Title", "value": t.Title, "isRequired": true},
			{"type": "Input.Text", "id": "description", "label": "Description", "value": t.Description, "isMultiline": true, "isRequired": true},
		},
		Actions: []Element{
			submit("Save", map[string]string{"action": "save", "ticketId": t.ID}),
		},
	})
}

var leaveStatuses = []string{"Pending", "Approved", "Rejected"}

// LeaveStatus groups leave requests by status.
func LeaveStatus(leaves []LeaveView) (*dialog.Attachment, error) {
	body := []Element{heading("Leave Status")}
	if len(leaves) == 0 {
		body = append(body, textBlock("No leave applications found."))
		return attach(card{Body: body})
	}
	groups := map[string][]LeaveView{}
	var other []string
	for _, l := range leaves {
		if _, ok := groups[l.Status]; !ok && !known(l.Status) {
			other = append(other, l.Status)
		}
		groups[l.Status] = append(groups[l.Status], l)
	}
	for _, status := range append(append([]string{}, leaveStatuses...), other...) {
		ls := groups[status]
		if len(ls) == 0 {
			continue
		}
		items := []Element{{"type": "TextBlock", "text": fmt.Sprintf("%s (%d)", status, len(ls)), "weight": "Bolder", "wrap": true}}
		for _, l := range ls {
			items = append(items, facts(
				"Type", l.LeaveType,
				"From", l.StartDate,
				"To", l.EndDate,
				"Reason", l.Reason,
			))
		}
		body = append(body, Element{"type": "Container", "id": status + "Section", "separator": true, "items": items})
	}
	return attach(card{Body: body})
}

func known(status string) bool {
	for _, s := range leaveStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Holidays lists upcoming holidays.
func Holidays(holidays []HolidayView) (*dialog.Attachment, error) {
	body := []Element{heading("Upcoming Holidays")}
	if len(holidays) == 0 {
		body = append(body, textBlock("No upcoming holidays found."))
	}
	for _, h := range holidays {
		label := h.Name
		if h.Type != "" {
			label += " (" + h.Type + ")"
		}
		body = append(body, Element{
			"type": "ColumnSet",
			"columns": []Element{
				{"type": "Column", "width": "stretch", "items": []Element{textBlock(h.Date.Format(holidayDateLayout))}},
				{"type": "Column", "width": "stretch", "items": []Element{textBlock(label)}},
			},
		})
	}
	return attach(card{Body: body})
}
