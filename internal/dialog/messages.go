package dialog

import (
	"encoding/json"
	"fmt"
	"strings"
)

// User-facing texts emitted by the orchestrator itself.
const (
	MsgGreeting           = "Hello! How can I help you today?"
	MsgWhatElse           = "What else can I help you with?"
	MsgAnythingElse       = "Is there anything else I can help you with?"
	MsgGoodbye            = "Thank you for using IT Support Bot!"
	MsgResolverFailure    = "An error occurred while processing your request. Please try again."
	MsgNotUnderstood      = "Sorry, I didn't understand that."
	MsgInvalidTicketInput = "Invalid input. Please provide valid ticket details."
	MsgTicketConfirmed    = "Your ticket has been successfully confirmed."
	MsgTicketUpdated      = "Your ticket has been updated successfully."
	MsgEditTicket         = "Update the ticket details below and submit your changes."
	MsgUseCardButtons     = "Please use the buttons on the ticket card to edit or confirm it."
	MsgNoPolicyMatch      = "I couldn't find anything about that in the policy documents."
	MsgSearchUnavailable  = "I couldn't search the policy documents right now. Please try again later."
	MsgUnsupportedAction  = "Sorry, I can't help with that request yet."
	MsgHandoffFallback    = "I'm having trouble getting the details I need. Please contact the IT support desk directly and they will help you."
)

// Attachment is an opaque rich payload, typically an Adaptive Card.
type Attachment struct {
	ContentType string          `json:"contentType"`
	Content     json.RawMessage `json:"content"`
}

// Message is one outbound activity.
type Message struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

func text(s string) Message { return Message{Text: s} }

func handoffMessage(reference string) string {
	return fmt.Sprintf("I'm having trouble getting the details I need, so I've passed this conversation to the IT support team (reference %s). Someone will follow up with you.", reference)
}

// failureMessage is shown when an action handler returns an error.
func failureMessage(name ActionName, err error) string {
	var what string
	switch name {
	case ActionCreateTicket:
		what = "Error creating ticket"
	case ActionCreateLeave:
		what = "Error submitting leave request"
	case ActionLeaveStatus:
		what = "Error fetching leave status"
	case ActionHolidays, ActionHolidaysAfter:
		what = "Error fetching holidays"
	default:
		what = "Error processing request"
	}
	return what + ": " + err.Error()
}

var (
	declinePhrases = phraseSet("no", "nope", "nah", "no thanks", "no thank you", "no thats all",
		"nothing", "nothing else", "thats all", "that is all", "thats it", "im done", "i am done",
		"done", "bye", "goodbye", "thanks", "thank you", "thanks bye", "not now", "all good",
		"ok", "okay", "got it")
	affirmPhrases = phraseSet("yes", "yeah", "yep", "y", "sure", "yes please",
		"please", "yes i do", "i do", "absolutely")
	exitPhrases = phraseSet("bye", "goodbye", "quit", "exit", "thats all", "im done", "i am done")
)

func phraseSet(phrases ...string) map[string]bool {
	m := make(map[string]bool, len(phrases))
	for _, p := range phrases {
		m[p] = true
	}
	return m
}

// normalizePhrase lowercases and drops punctuation so "No, thanks!" matches
// "no thanks".
func normalizePhrase(s string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			space = false
		case r == ' ' || r == '\t' || r == '\n':
			if !space && b.Len() > 0 {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
