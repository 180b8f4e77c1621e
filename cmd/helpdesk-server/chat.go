package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"helpdesk-backend/internal/dialog"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Talk to the assistant from the terminal",
	Long: `Starts an interactive conversation. Sessions are kept under SESSION_DIR so a
conversation survives restarts of the command.

Card buttons are available as commands:
  /edit                     open the edit form of the last ticket
  /confirm                  confirm the last ticket
  /save Title | Description save the edit form
  /reset                    forget this conversation
  /quit                     leave
A line starting with '{' is sent as a raw card payload.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().String("conversation", "local", "conversation id")
	chatCmd.Flags().String("name", "", "your display name")
	chatCmd.Flags().String("email", "", "your email")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(io.Discard)
	if err != nil {
		return err
	}
	cfg.SessionStore = "file"
	a, err := buildApp(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	id, _ := cmd.Flags().GetString("conversation")
	name, _ := cmd.Flags().GetString("name")
	email, _ := cmd.Flags().GetString("email")
	if name == "" {
		name = os.Getenv("USER")
	}
	c := &chat{
		engine: a.engine,
		id:     id,
		caller: a.directory.Lookup(cmd.Context(), dialog.Caller{ID: id, Name: name, Email: email}),
		out:    cmd.OutOrStdout(),
	}
	if err := c.send(cmd.Context(), dialog.RawTurn{}); err != nil {
		return err
	}
	for {
		p := promptui.Prompt{Label: "You"}
		line, err := p.Run()
		if errors.Is(err, promptui.ErrInterrupt) || errors.Is(err, promptui.ErrEOF) {
			return nil
		}
		if err != nil {
			return err
		}
		done, err := c.handle(cmd.Context(), line)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

type chatEngine interface {
	HandleTurn(ctx context.Context, conversationID string, raw dialog.RawTurn, caller dialog.Caller) (dialog.TurnResult, error)
	Reset(ctx context.Context, conversationID string) error
}

type chat struct {
	engine chatEngine
	id     string
	caller dialog.Caller
	out    io.Writer
	// lastTicket is the ticket id carried by the most recent card.
	lastTicket string
}

// handle runs one input line and reports whether the session is over.
func (c *chat) handle(ctx context.Context, line string) (bool, error) {
	line = strings.TrimSpace(line)
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/reset":
		if err := c.engine.Reset(ctx, c.id); err != nil {
			return false, err
		}
		c.lastTicket = ""
		fmt.Fprintln(c.out, "Conversation reset.")
		return false, c.send(ctx, dialog.RawTurn{})
	}
	raw, err := chatInput(line, c.lastTicket)
	if err != nil {
		fmt.Fprintln(c.out, err)
		return false, nil
	}
	if err := c.send(ctx, raw); err != nil {
		return false, err
	}
	return false, nil
}

func (c *chat) send(ctx context.Context, raw dialog.RawTurn) error {
	res, err := c.engine.HandleTurn(ctx, c.id, raw, c.caller)
	if err != nil {
		return err
	}
	for _, m := range res.Messages {
		if m.Text != "" {
			fmt.Fprintf(c.out, "Bot: %s\n", m.Text)
		}
		if m.Attachment != nil {
			lines, ticket := renderCard(m.Attachment.Content)
			for _, l := range lines {
				fmt.Fprintf(c.out, "     %s\n", l)
			}
			if ticket != "" {
				c.lastTicket = ticket
			}
		}
	}
	return nil
}

// chatInput turns a REPL line into a turn. Slash commands stand in for card
// buttons.
func chatInput(line, lastTicket string) (dialog.RawTurn, error) {
	switch {
	case strings.HasPrefix(line, "{"):
		if !json.Valid([]byte(line)) {
			return dialog.RawTurn{}, errors.New("card payload is not valid JSON")
		}
		return dialog.RawTurn{Value: json.RawMessage(line)}, nil
	case line == "/edit" || line == "/confirm":
		return cardTurn(map[string]string{"action": strings.TrimPrefix(line, "/"), "ticketId": lastTicket}), nil
	case strings.HasPrefix(line, "/save"):
		title, desc, ok := strings.Cut(strings.TrimSpace(strings.TrimPrefix(line, "/save")), "|")
		if !ok {
			return dialog.RawTurn{}, errors.New("usage: /save Title | Description")
		}
		return cardTurn(map[string]string{
			"action":      dialog.CardSave,
			"ticketId":    lastTicket,
			"title":       strings.TrimSpace(title),
			"description": strings.TrimSpace(desc),
		}), nil
	case strings.HasPrefix(line, "/"):
		return dialog.RawTurn{}, fmt.Errorf("unknown command %s", line)
	}
	return dialog.RawTurn{Text: line}, nil
}

func cardTurn(fields map[string]string) dialog.RawTurn {
	if fields["ticketId"] == "" {
		delete(fields, "ticketId")
	}
	b, _ := json.Marshal(fields)
	return dialog.RawTurn{Value: b}
}

// renderCard flattens an Adaptive Card into printable lines and returns the
// ticket id its actions submit, if any.
func renderCard(content json.RawMessage) ([]string, string) {
	var card map[string]any
	if err := json.Unmarshal(content, &card); err != nil {
		return []string{"[card]"}, ""
	}
	var lines []string
	for _, el := range elements(card["body"]) {
		lines = append(lines, elementLines(el)...)
	}
	var buttons []string
	ticket := ""
	for _, a := range elements(card["actions"]) {
		if t, _ := a["title"].(string); t != "" {
			buttons = append(buttons, "["+t+"]")
		}
		if data, ok := a["data"].(map[string]any); ok {
			if id, _ := data["ticketId"].(string); id != "" {
				ticket = id
			}
		}
	}
	if len(buttons) > 0 {
		lines = append(lines, strings.Join(buttons, " "))
	}
	return lines, ticket
}

func elementLines(el map[string]any) []string {
	switch el["type"] {
	case "TextBlock":
		if t, _ := el["text"].(string); t != "" {
			return []string{t}
		}
	case "FactSet":
		var out []string
		for _, f := range elements(el["facts"]) {
			out = append(out, fmt.Sprintf("%v: %v", f["title"], f["value"]))
		}
		return out
	case "Input.Text":
		return []string{fmt.Sprintf("%v: %v", el["label"], el["value"])}
	case "ColumnSet":
		var cols []string
		for _, col := range elements(el["columns"]) {
			var parts []string
			for _, item := range elements(col["items"]) {
				parts = append(parts, elementLines(item)...)
			}
			cols = append(cols, strings.Join(parts, " "))
		}
		return []string{strings.Join(cols, "  ")}
	}
	var out []string
	for _, item := range elements(el["items"]) {
		out = append(out, elementLines(item)...)
	}
	return out
}

func elements(v any) []map[string]any {
	list, _ := v.([]any)
	out := make([]map[string]any, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}
