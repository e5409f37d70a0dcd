// Package chat drives the completion loop: it sends the expanded prompt,
// runs the functions the model asks for and feeds their results back until
// the model answers in plain text.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/logging"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/trace"
)

var log = logging.Get()

var (
	ErrFunctionNotFound = errors.New("function not found")
	ErrInvalidArguments = errors.New("invalid function arguments")
)

// CancelledText is the answer of a cancelled run.
const CancelledText = "Request cancelled"

// State is the position of a run in the loop.
type State int

const (
	Drafting State = iota
	AwaitingModel
	ExecutingTools
	Done
	Cancelled
	Failed
)

func (s State) String() string {
	switch s {
	case Drafting:
		return "drafting"
	case AwaitingModel:
		return "awaiting_model"
	case ExecutingTools:
		return "executing_tools"
	case Done:
		return "done"
	case Cancelled:
		return "cancelled"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Request is one chat run.
type Request struct {
	Model        string
	Temperature  *float64
	MaxTokens    *int
	Seed         *int
	ResponseType string

	System    string
	Prompt    string
	Assistant string
	Images    []promptdom.Image
	Functions []promptdom.ChatFunction

	// Host is handed to function handlers.
	Host  promptdom.FunctionHost
	Trace *trace.Trace
	// OnProgress receives streamed answer chunks.
	OnProgress func(chunk string)
	// OnState is called on every state change.
	OnState func(State)
}

// Response is the outcome of Run.
type Response struct {
	Text string
	// Messages is the conversation sent with the last completion call.
	Messages []llm.Message
	State    State
	// Error is the request failure of a Failed run.
	Error error
	// Calls counts completion calls.
	Calls int
	Usage llm.Usage
}

// Run executes the loop against c. Cancellation of ctx is checked before
// every completion call and every function call; a function already
// running is not interrupted and its result is kept.
//
// Request failures end the run with State Failed and Response.Error set.
// Function failures are returned as the error.
func Run(ctx context.Context, c llm.Completer, req Request) (*Response, error) {
	tr := req.Trace
	if tr == nil {
		tr = trace.New()
	}
	resp := &Response{State: Drafting}
	setState := func(s State) {
		resp.State = s
		if req.OnState != nil {
			req.OnState(s)
		}
	}

	messages := initialMessages(req)
	functions := make(map[string]promptdom.ChatFunction, len(req.Functions))
	var names []string
	for _, f := range req.Functions {
		if _, dup := functions[f.Definition.Name]; !dup {
			names = append(names, f.Definition.Name)
		}
		functions[f.Definition.Name] = f
	}
	tools := make([]llm.Tool, 0, len(names))
	for _, name := range names {
		def := functions[name].Definition
		tools = append(tools, llm.NewFunctionTool(def.Name, def.Description, def.Parameters))
	}

	cancelled := func() (*Response, error) {
		tr.Heading(3, CancelledText)
		resp.Text = CancelledText
		resp.Messages = messages
		setState(Cancelled)
		return resp, nil
	}

	for {
		if ctx.Err() != nil {
			return cancelled()
		}
		setState(AwaitingModel)

		chatReq := &llm.ChatRequest{
			Model:       req.Model,
			Messages:    append([]llm.Message(nil), messages...),
			Temperature: req.Temperature,
			MaxTokens:   req.MaxTokens,
			Seed:        req.Seed,
		}
		if req.ResponseType != "" {
			chatReq.ResponseFormat = &llm.ResponseFormat{Type: req.ResponseType}
		}
		if len(tools) > 0 {
			chatReq.Tools = tools
		}

		resp.Calls++
		comp, err := c.Complete(ctx, chatReq, llm.CompleteOptions{OnProgress: req.OnProgress})
		resp.Messages = messages
		if err != nil {
			var reqErr *llm.RequestError
			switch {
			case errors.As(err, &reqErr):
				traceRequestError(tr, reqErr)
				resp.Text = fmt.Sprintf("Request error: `%d`, %s\n", reqErr.Status, reqErr.StatusText)
				resp.Error = reqErr
				setState(Failed)
				return resp, nil
			case ctx.Err() != nil:
				return cancelled()
			default:
				tr.Heading(3, "Fetch error")
				tr.Error("completion failed", err)
				resp.Text = "Unexpected error"
				resp.Error = err
				setState(Failed)
				return resp, nil
			}
		}
		if comp.Usage != nil {
			resp.Usage.PromptTokens += comp.Usage.PromptTokens
			resp.Usage.CompletionTokens += comp.Usage.CompletionTokens
			resp.Usage.TotalTokens += comp.Usage.TotalTokens
		}

		if len(comp.ToolCalls) == 0 {
			resp.Text = finalText(messages, comp.Text)
			setState(Done)
			log.Debug("chat done after %d calls", resp.Calls)
			return resp, nil
		}

		setState(ExecutingTools)
		if comp.Text != "" {
			messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: comp.Text})
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, ToolCalls: comp.ToolCalls})

		for _, call := range comp.ToolCalls {
			if ctx.Err() != nil {
				return cancelled()
			}
			content, err := invoke(ctx, functions, call, req.Host, tr)
			if err != nil {
				resp.Messages = messages
				setState(Failed)
				return resp, err
			}
			messages = append(messages, llm.Message{Role: llm.RoleTool, Content: content, ToolCallID: call.ID})
		}
		resp.Messages = messages
	}
}

func initialMessages(req Request) []llm.Message {
	var messages []llm.Message
	if req.System != "" {
		messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: req.System})
	}
	user := llm.Message{Role: llm.RoleUser, Content: req.Prompt}
	for _, img := range req.Images {
		user.Images = append(user.Images, llm.ImageURL{URL: img.URL, Detail: img.Detail})
	}
	messages = append(messages, user)
	if req.Assistant != "" {
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: req.Assistant})
	}
	return messages
}

// finalText joins the assistant contents of the conversation with the last
// answer.
func finalText(messages []llm.Message, last string) string {
	var parts []string
	for _, m := range messages {
		if m.Role == llm.RoleAssistant && m.Content != "" {
			parts = append(parts, m.Content)
		}
	}
	return strings.Join(append(parts, last), "\n")
}

func invoke(ctx context.Context, functions map[string]promptdom.ChatFunction, call llm.ToolCall, h promptdom.FunctionHost, tr *trace.Trace) (string, error) {
	name := call.Function.Name
	tr.DetailsFenced(fmt.Sprintf("tool call `%s`", name), call.Function.Arguments, "json")
	log.ToolCall(name, call.Function.Arguments)

	args := map[string]any{}
	if raw := strings.TrimSpace(call.Function.Arguments); raw != "" {
		if err := json.Unmarshal([]byte(raw), &args); err != nil {
			return "", errors.Wrapf(ErrInvalidArguments, "%s: %v", name, err)
		}
	}
	fn, ok := functions[name]
	if !ok {
		return "", errors.Wrapf(ErrFunctionNotFound, "function %s not found", name)
	}
	out, err := fn.Handler(ctx, promptdom.FunctionCall{
		ID:    call.ID,
		Name:  name,
		Args:  args,
		Raw:   call.Function.Arguments,
		Host:  h,
		Trace: tr,
	})
	if err != nil {
		return "", errors.Wrapf(err, "function %s", name)
	}
	content, err := normalizeOutput(out)
	if err != nil {
		return "", errors.Wrapf(err, "function %s output", name)
	}
	tr.DetailsFenced(fmt.Sprintf("tool output `%s`", name), content, "")
	return content, nil
}

// normalizeOutput turns a handler result into message content.
func normalizeOutput(v any) (string, error) {
	switch o := v.(type) {
	case nil:
		return "", nil
	case string:
		return o, nil
	case promptdom.FunctionOutput:
		return o.Content, nil
	case *promptdom.FunctionOutput:
		if o == nil {
			return "", nil
		}
		return o.Content, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func traceRequestError(tr *trace.Trace, err *llm.RequestError) {
	tr.Heading(3, "Request error")
	if err.Body != nil && err.Body.Message != "" {
		tr.Tip(err.Body.Message)
	}
	if err.Body != nil && err.Body.Type != "" {
		tr.Item(fmt.Sprintf("type: `%s`", err.Body.Type))
	}
	if code := err.Body.CodeString(); code != "" {
		tr.Item(fmt.Sprintf("code: `%s`", code))
	}
	tr.Item(fmt.Sprintf("status: `%d`, %s", err.Status, err.StatusText))
}
