package types

import "encoding/json"

// User identifies the person behind a turn on the JSON API.
type User struct {
	ID    string `json:"id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type TurnRequest struct {
	ConversationID string          `json:"conversationId,omitempty"`
	Message        string          `json:"message,omitempty"`
	Value          json.RawMessage `json:"value,omitempty"`
	User           *User           `json:"user,omitempty"`
}

type Attachment struct {
	ContentType string          `json:"contentType"`
	Content     json.RawMessage `json:"content"`
}

type OutMessage struct {
	Text       string      `json:"text,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type TurnResponse struct {
	ConversationID string       `json:"conversationId"`
	State          string       `json:"state"`
	Messages       []OutMessage `json:"messages"`
}

// ChannelAccount is the Bot Framework "from"/"recipient" object.
type ChannelAccount struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name,omitempty"`
	AADObjectID string `json:"aadObjectId,omitempty"`
}

type ConversationAccount struct {
	ID string `json:"id"`
}

// Activity is the subset of a Bot Framework activity the bot reads and writes.
type Activity struct {
	Type         string              `json:"type"`
	ID           string              `json:"id,omitempty"`
	Text         string              `json:"text,omitempty"`
	Value        json.RawMessage     `json:"value,omitempty"`
	From         ChannelAccount      `json:"from"`
	Recipient    *ChannelAccount     `json:"recipient,omitempty"`
	Conversation ConversationAccount `json:"conversation"`
	ReplyToID    string              `json:"replyToId,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
}

type ActivitiesResponse struct {
	Activities []Activity `json:"activities"`
}

type Exchange struct {
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	At        string `json:"at"`
}

// ConversationSnapshot is the admin view of a stored session.
type ConversationSnapshot struct {
	ConversationID string            `json:"conversationId"`
	State          string            `json:"state"`
	Flow           int               `json:"flow"`
	PendingAction  string            `json:"pendingAction,omitempty"`
	PendingArgs    map[string]string `json:"pendingArgs,omitempty"`
	Reprompts      int               `json:"reprompts"`
	Transcript     []Exchange        `json:"transcript"`
	UpdatedAt      string            `json:"updatedAt"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
