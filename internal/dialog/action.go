package dialog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// ActionName is the tool name an action is requested under.
type ActionName string

const (
	ActionCreateTicket  ActionName = "createSupportTicket"
	ActionCreateLeave   ActionName = "createLeave"
	ActionLeaveStatus   ActionName = "GetLeaveStatus"
	ActionHolidays      ActionName = "GetHolidaysList"
	ActionHolidaysAfter ActionName = "GetHolidaysAfterDate"
	ActionRefineQuery   ActionName = "refine_query"
)

// DateLayout is the wire format for every date argument.
const DateLayout = "2006-01-02"

var ErrUnknownAction = errors.New("unknown action")

// Action is a typed request for one backend operation. The set of
// implementations is closed; use ParseAction to build one from tool arguments.
type Action interface {
	Name() ActionName
	// Missing lists required arguments that are empty or unusable.
	Missing() []string
	// Args renders the action back into its tool argument map.
	Args() map[string]string
	sealed()
}

type CreateTicket struct {
	Title       string
	Description string
}

type CreateLeave struct {
	LeaveType string
	StartDate string
	EndDate   string
	Reason    string
}

type LeaveStatus struct{}

type HolidayList struct{}

type HolidaysAfter struct {
	Date string
}

type RefineQuery struct {
	Query string
}

func (CreateTicket) Name() ActionName  { return ActionCreateTicket }
func (CreateLeave) Name() ActionName   { return ActionCreateLeave }
func (LeaveStatus) Name() ActionName   { return ActionLeaveStatus }
func (HolidayList) Name() ActionName   { return ActionHolidays }
func (HolidaysAfter) Name() ActionName { return ActionHolidaysAfter }
func (RefineQuery) Name() ActionName   { return ActionRefineQuery }

func (CreateTicket) sealed()  {}
func (CreateLeave) sealed()   {}
func (LeaveStatus) sealed()   {}
func (HolidayList) sealed()   {}
func (HolidaysAfter) sealed() {}
func (RefineQuery) sealed()   {}

func (a CreateTicket) Missing() []string {
	var out []string
	out = requireText(out, "title", a.Title)
	out = requireText(out, "description", a.Description)
	return out
}

func (a CreateLeave) Missing() []string {
	var out []string
	out = requireText(out, "leaveType", a.LeaveType)
	start, okStart := parseDate(a.StartDate)
	if !okStart {
		out = append(out, "startDate")
	}
	end, okEnd := parseDate(a.EndDate)
	if !okEnd || (okStart && end.Before(start)) {
		out = append(out, "endDate")
	}
	out = requireText(out, "reason", a.Reason)
	return out
}

func (LeaveStatus) Missing() []string { return nil }
func (HolidayList) Missing() []string { return nil }

func (a HolidaysAfter) Missing() []string {
	if _, ok := parseDate(a.Date); !ok {
		return []string{"date"}
	}
	return nil
}

func (a RefineQuery) Missing() []string { return requireText(nil, "query", a.Query) }

func (a CreateTicket) Args() map[string]string {
	return map[string]string{"title": a.Title, "description": a.Description}
}

func (a CreateLeave) Args() map[string]string {
	return map[string]string{
		"leaveType": a.LeaveType,
		"startDate": a.StartDate,
		"endDate":   a.EndDate,
		"reason":    a.Reason,
	}
}

func (LeaveStatus) Args() map[string]string     { return map[string]string{} }
func (HolidayList) Args() map[string]string     { return map[string]string{} }
func (a HolidaysAfter) Args() map[string]string { return map[string]string{"date": a.Date} }
func (a RefineQuery) Args() map[string]string   { return map[string]string{"query": a.Query} }

// ParseAction converts an untyped tool call into its typed action. Unknown
// names fail with ErrUnknownAction; missing arguments are left for Missing.
func ParseAction(name string, args map[string]string) (Action, error) {
	get := func(k string) string { return strings.TrimSpace(args[k]) }
	switch ActionName(name) {
	case ActionCreateTicket:
		return CreateTicket{Title: get("title"), Description: get("description")}, nil
	case ActionCreateLeave:
		return CreateLeave{
			LeaveType: get("leaveType"),
			StartDate: get("startDate"),
			EndDate:   get("endDate"),
			Reason:    get("reason"),
		}, nil
	case ActionLeaveStatus:
		return LeaveStatus{}, nil
	case ActionHolidays:
		return HolidayList{}, nil
	case ActionHolidaysAfter:
		return HolidaysAfter{Date: get("date")}, nil
	case ActionRefineQuery:
		return RefineQuery{Query: get("query")}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownAction, name)
}

// mergePartial fills arguments of next that are still empty from an earlier
// partial invocation of the same action.
func mergePartial(next Action, prev *PartialAction) Action {
	if prev == nil || prev.Name != next.Name() {
		return next
	}
	merged := make(map[string]string, len(prev.Args))
	for k, v := range prev.Args {
		merged[k] = v
	}
	for k, v := range next.Args() {
		if strings.TrimSpace(v) != "" {
			merged[k] = v
		}
	}
	out, err := ParseAction(string(next.Name()), merged)
	if err != nil {
		return next
	}
	return out
}

var argLabels = map[string]string{
	"title":       "a short title for the issue",
	"description": "a description of the issue",
	"leaveType":   "the leave type",
	"startDate":   "the start date (YYYY-MM-DD)",
	"endDate":     "the end date (YYYY-MM-DD, not before the start date)",
	"reason":      "the reason for the leave",
	"date":        "the date (YYYY-MM-DD)",
	"query":       "your question",
}

// MissingPrompt builds the reprompt used when the resolver supplied no
// clarifying text of its own.
func MissingPrompt(missing []string) string {
	labels := make([]string, 0, len(missing))
	for _, m := range missing {
		if l, ok := argLabels[m]; ok {
			labels = append(labels, l)
		} else {
			labels = append(labels, m)
		}
	}
	sort.Strings(labels)
	switch len(labels) {
	case 0:
		return "Could you give me a few more details?"
	case 1:
		return "Please provide " + labels[0] + "."
	}
	return "Please provide " + strings.Join(labels[:len(labels)-1], ", ") + " and " + labels[len(labels)-1] + "."
}

func requireText(out []string, name, v string) []string {
	if strings.TrimSpace(v) == "" {
		return append(out, name)
	}
	return out
}

func parseDate(v string) (time.Time, bool) {
	t, err := time.Parse(DateLayout, strings.TrimSpace(v))
	return t, err == nil
}
