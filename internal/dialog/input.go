package dialog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// RawTurn is one inbound activity as the host received it: free text and an
// optional structured payload from a card submission.
type RawTurn struct {
	Text  string
	Value json.RawMessage
}

type InputKind int

const (
	InputEmpty InputKind = iota
	InputText
	InputStructured
	InputCardAction
)

func (k InputKind) String() string {
	switch k {
	case InputEmpty:
		return "empty"
	case InputText:
		return "text"
	case InputStructured:
		return "structured"
	case InputCardAction:
		return "card_action"
	}
	return fmt.Sprintf("InputKind(%d)", int(k))
}

// Card action verbs.
const (
	CardEdit    = "edit"
	CardConfirm = "confirm"
	CardSave    = "save"
	CardChoice  = "choice"
)

// TurnInput is the single resolved input of a turn.
type TurnInput struct {
	Kind InputKind
	// Text is the free text, or the canonical rendering of a payload.
	Text string
	// Fields holds payload values; nil for free text.
	Fields map[string]string
	// Action is the card verb when Kind is InputCardAction.
	Action string
}

// Normalize resolves a raw turn once. A structured payload takes precedence
// over free text sent alongside it.
func Normalize(raw RawTurn) TurnInput {
	if fields, scalar, ok := decodePayload(raw.Value); ok {
		if fields == nil {
			if scalar == "" {
				return textInput(raw.Text)
			}
			return textInput(scalar)
		}
		in := TurnInput{Kind: InputStructured, Fields: fields, Text: canonical(fields)}
		switch {
		case fields["action"] != "":
			in.Kind = InputCardAction
			in.Action = strings.ToLower(fields["action"])
		case fields[CardChoice] != "":
			in.Kind = InputCardAction
			in.Action = CardChoice
		case fields[KeyTicketID] != "":
			in.Kind = InputCardAction
			in.Action = CardSave
		}
		return in
	}
	return textInput(raw.Text)
}

// TurnClass labels what a turn means relative to the session.
type TurnClass string

const (
	ClassNewRequest   TurnClass = "new_request"
	ClassContinuation TurnClass = "continuation"
	ClassCardAction   TurnClass = "card_action"
)

// Classify labels the turn for logs. Transitions are keyed on state and input
// kind alone, so the class never selects a handler.
func (in TurnInput) Classify(s *Session) TurnClass {
	switch {
	case in.Kind == InputCardAction:
		return ClassCardAction
	case s.State == StateConfirmingContinuation:
		return ClassContinuation
	case s.State == StateCollectingIntent && s.Pending.Partial != nil:
		return ClassContinuation
	}
	return ClassNewRequest
}

func textInput(text string) TurnInput {
	text = strings.TrimSpace(text)
	if text == "" {
		return TurnInput{Kind: InputEmpty}
	}
	return TurnInput{Kind: InputText, Text: text}
}

// decodePayload accepts a JSON object (fields) or a JSON string (scalar).
// ok is false when there is no usable payload at all.
func decodePayload(raw json.RawMessage) (fields map[string]string, scalar string, ok bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return nil, strings.TrimSpace(s), true
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, "", false
	}
	fields = make(map[string]string, len(obj))
	for k, v := range obj {
		if strings.HasPrefix(k, "msteams") {
			continue
		}
		if s := stringify(v); s != "" {
			fields[k] = s
		}
	}
	if len(fields) == 0 {
		return nil, "", false
	}
	return fields, "", true
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64, bool:
		return fmt.Sprint(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

func canonical(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(fields[k])
	}
	return b.String()
}
