package intent

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"gopkg.in/yaml.v3"

	"helpdesk-backend/internal/dialog"
)

//go:embed prompts/intent.yaml
var defaultSpec []byte

// ErrMalformedResponse is returned when the model reply cannot be used.
var ErrMalformedResponse = errors.New("malformed model response")

type Function struct {
	Name        string                 `yaml:"name"`
	Description string                 `yaml:"description"`
	ArgsSchema  map[string]interface{} `yaml:"args_schema"`
}

type Spec struct {
	System             string     `yaml:"system"`
	RefineSystem       string     `yaml:"refine_system"`
	ContinuationSystem string     `yaml:"continuation_system"`
	Functions          []Function `yaml:"functions"`
	Style              struct {
		Temperature float32 `yaml:"temperature"`
		MaxTokens   int     `yaml:"max_tokens"`
	} `yaml:"style"`
}

// LoadSpec reads an intent spec from path, or the built-in one when path is empty.
func LoadSpec(path string) (Spec, error) {
	b := defaultSpec
	if path != "" {
		var err error
		b, err = os.ReadFile(path)
		if err != nil {
			return Spec{}, fmt.Errorf("read intent spec: %w", err)
		}
	}
	var spec Spec
	if err := yaml.Unmarshal(b, &spec); err != nil {
		return Spec{}, fmt.Errorf("parse intent spec: %w", err)
	}
	if strings.TrimSpace(spec.System) == "" || len(spec.Functions) == 0 {
		return Spec{}, fmt.Errorf("intent spec needs a system prompt and at least one function")
	}
	for _, f := range spec.Functions {
		if _, err := dialog.ParseAction(f.Name, nil); err != nil {
			return Spec{}, fmt.Errorf("intent spec function: %w", err)
		}
	}
	return spec, nil
}

// Resolver talks to an OpenAI-compatible chat endpoint. It resolves intents
// through tool calling, refines policy answers and classifies continuation
// replies.
type Resolver struct {
	spec   Spec
	client *openai.Client
	model  string
	tools  []openai.Tool
	log    *slog.Logger
	today  func() time.Time
}

func NewResolver(spec Spec, client *openai.Client, model string, logger *slog.Logger) (*Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tools := make([]openai.Tool, 0, len(spec.Functions))
	for _, f := range spec.Functions {
		schema := f.ArgsSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		params, err := json.Marshal(schema)
		if err != nil {
			return nil, fmt.Errorf("marshal schema for %s: %w", f.Name, err)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        f.Name,
				Description: f.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return &Resolver{spec: spec, client: client, model: model, tools: tools, log: logger, today: time.Now}, nil
}

// NewClient builds a go-openai client, pointing it at baseURL when set.
func NewClient(apiKey, baseURL string) *openai.Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return openai.NewClientWithConfig(cfg)
}

// Resolve sends the system prompt, the transcript and the new input with the
// function tools, and converts the reply into a dialog resolution.
func (r *Resolver) Resolve(ctx context.Context, input string, history []dialog.Exchange) (dialog.Resolution, error) {
	sys := r.spec.System + "\nToday's date is " + r.today().Format(dialog.DateLayout) + "."
	messages := make([]openai.ChatCompletionMessage, 0, 2*len(history)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: sys})
	for _, ex := range history {
		if u := strings.TrimSpace(ex.User); u != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: u})
		}
		if a := strings.TrimSpace(ex.Assistant); a != "" {
			messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: a})
		}
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: input})

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: r.temperature(),
		MaxTokens:   r.maxTokens(),
		Messages:    messages,
		Tools:       r.tools,
	})
	if err != nil {
		return dialog.Resolution{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return dialog.Resolution{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	msg := resp.Choices[0].Message
	content := strings.TrimSpace(msg.Content)

	name, rawArgs := "", ""
	switch {
	case len(msg.ToolCalls) > 0:
		name, rawArgs = msg.ToolCalls[0].Function.Name, msg.ToolCalls[0].Function.Arguments
		if len(msg.ToolCalls) > 1 {
			r.log.Warn("model requested several tools, using the first", "tool", name, "count", len(msg.ToolCalls))
		}
	case msg.FunctionCall != nil:
		name, rawArgs = msg.FunctionCall.Name, msg.FunctionCall.Arguments
	}
	if name == "" {
		if content == "" {
			return dialog.Resolution{}, fmt.Errorf("%w: empty reply", ErrMalformedResponse)
		}
		return dialog.DirectReply(content), nil
	}

	args, err := decodeArgs(rawArgs)
	if err != nil {
		return dialog.Resolution{}, fmt.Errorf("%w: arguments for %s: %v", ErrMalformedResponse, name, err)
	}
	action, err := dialog.ParseAction(name, args)
	if err != nil {
		return dialog.Resolution{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	r.log.Debug("tool call resolved", "action", name, "missing", action.Missing())
	return dialog.Invoke(action, content), nil
}

// Refine answers query using only passage.
func (r *Resolver) Refine(ctx context.Context, query, passage string) (string, error) {
	user := "Question: " + query + "\n\nPolicy passage:\n" + passage
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: r.temperature(),
		MaxTokens:   r.maxTokens(),
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.spec.RefineSystem},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

type continuationReply struct {
	Response string `json:"response"`
}

// Classify decides whether a reply to "anything else?" ends the conversation.
func (r *Resolver) Classify(ctx context.Context, text string) (dialog.Decision, error) {
	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       r.model,
		Temperature: 0,
		MaxTokens:   20,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: r.spec.ContinuationSystem},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	})
	if err != nil {
		return dialog.DecisionNewRequest, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return dialog.DecisionNewRequest, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	var out continuationReply
	if err := unmarshalLoose(resp.Choices[0].Message.Content, &out); err != nil {
		return dialog.DecisionNewRequest, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	switch strings.ToUpper(strings.TrimSpace(out.Response)) {
	case "YES":
		return dialog.DecisionDecline, nil
	case "SERVICE":
		return dialog.DecisionNewRequest, nil
	}
	return dialog.DecisionNewRequest, fmt.Errorf("%w: unexpected classification %q", ErrMalformedResponse, out.Response)
}

func (r *Resolver) temperature() float32 {
	if r.spec.Style.Temperature <= 0 {
		return 0.1
	}
	return r.spec.Style.Temperature
}

func (r *Resolver) maxTokens() int {
	if r.spec.Style.MaxTokens <= 0 {
		return 400
	}
	return r.spec.Style.MaxTokens
}

// decodeArgs flattens tool arguments into strings.
func decodeArgs(raw string) (map[string]string, error) {
	out := map[string]string{}
	if strings.TrimSpace(raw) == "" {
		return out, nil
	}
	var m map[string]interface{}
	if err := unmarshalLoose(raw, &m); err != nil {
		return nil, err
	}
	for k, v := range m {
		switch t := v.(type) {
		case nil:
		case string:
			out[k] = t
		case float64:
			out[k] = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(t)
		default:
			b, _ := json.Marshal(t)
			out[k] = string(b)
		}
	}
	return out, nil
}

// unmarshalLoose parses raw as JSON, falling back to the outermost {...}
// when the model wrapped the object in prose or code fences.
func unmarshalLoose(raw string, v interface{}) error {
	err := json.Unmarshal([]byte(raw), v)
	if err == nil {
		return nil
	}
	first := strings.IndexByte(raw, '{')
	last := strings.LastIndexByte(raw, '}')
	if first >= 0 && last > first {
		if err2 := json.Unmarshal([]byte(raw[first:last+1]), v); err2 == nil {
			return nil
		}
	}
	return err
}
