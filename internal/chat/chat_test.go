package chat

import (
	"context"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/promptdom"
	"github.com/youruser/gptool/internal/trace"
)

// scriptedCompleter replays completions and records requests.
type scriptedCompleter struct {
	mu       sync.Mutex
	replies  []func(ctx context.Context) (*llm.Completion, error)
	requests []*llm.ChatRequest
}

func (s *scriptedCompleter) Complete(ctx context.Context, req *llm.ChatRequest, opts llm.CompleteOptions) (*llm.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return nil, errors.New("no more replies")
	}
	next := s.replies[0]
	s.replies = s.replies[1:]
	return next(ctx)
}

func reply(c *llm.Completion) func(context.Context) (*llm.Completion, error) {
	return func(context.Context) (*llm.Completion, error) { return c, nil }
}

func toolCall(id, name, args string) *llm.Completion {
	return &llm.Completion{ToolCalls: []llm.ToolCall{llm.NewToolCall(id, name, args)}, FinishReason: "tool_calls"}
}

func lookupFunction(calls *int) promptdom.ChatFunction {
	return promptdom.ChatFunction{
		Definition: llm.ToolFunction{Name: "lookup", Description: "look things up"},
		Handler: func(ctx context.Context, call promptdom.FunctionCall) (any, error) {
			*calls++
			return "value of " + call.Args["key"].(string), nil
		},
	}
}

func baseRequest(functions ...promptdom.ChatFunction) Request {
	return Request{
		Model:     "gpt-4",
		System:    "be brief",
		Prompt:    "what is x?",
		Functions: functions,
	}
}

func TestRunToolRoundTrip(t *testing.T) {
	calls := 0
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
		reply(toolCall("call_1", "lookup", `{"key":"x"}`)),
		reply(&llm.Completion{Text: "x is 42", Usage: &llm.Usage{TotalTokens: 5}}),
	}}

	var states []State
	req := baseRequest(lookupFunction(&calls))
	req.OnState = func(s State) { states = append(states, s) }

	resp, err := Run(context.Background(), c, req)
	require.NoError(t, err)

	assert.Len(t, c.requests, 2)
	assert.Equal(t, 2, resp.Calls)
	assert.Equal(t, 1, calls)
	assert.Equal(t, Done, resp.State)
	assert.Equal(t, "x is 42", resp.Text)
	assert.Equal(t, 5, resp.Usage.TotalTokens)

	require.Len(t, resp.Messages, 4)
	assert.Equal(t, llm.RoleSystem, resp.Messages[0].Role)
	assert.Equal(t, llm.RoleUser, resp.Messages[1].Role)
	assert.Equal(t, llm.RoleAssistant, resp.Messages[2].Role)
	assert.Len(t, resp.Messages[2].ToolCalls, 1)
	assert.Equal(t, llm.Message{Role: llm.RoleTool, Content: "value of x", ToolCallID: "call_1"}, resp.Messages[3])

	first := c.requests[0]
	require.Len(t, first.Tools, 1)
	assert.Equal(t, "lookup", first.Tools[0].Function.Name)
	assert.Len(t, first.Messages, 2)
	assert.Len(t, c.requests[1].Messages, 4)

	assert.Equal(t, []State{AwaitingModel, ExecutingTools, AwaitingModel, Done}, states)
}

func TestRunCancelledBeforeFirstCall(t *testing.T) {
	calls := 0
	c := &scriptedCompleter{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp, err := Run(ctx, c, baseRequest(lookupFunction(&calls)))
	require.NoError(t, err)
	assert.Equal(t, Cancelled, resp.State)
	assert.Equal(t, CancelledText, resp.Text)
	assert.Nil(t, resp.Error)
	assert.Empty(t, c.requests)
	assert.Zero(t, calls)
}

func TestRunCancelledDuringToolCalls(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	calls := 0
	cancelling := promptdom.ChatFunction{
		Definition: llm.ToolFunction{Name: "lookup"},
		Handler: func(context.Context, promptdom.FunctionCall) (any, error) {
			calls++
			cancel()
			return "kept", nil
		},
	}
	two := &llm.Completion{ToolCalls: []llm.ToolCall{
		llm.NewToolCall("a", "lookup", "{}"),
		llm.NewToolCall("b", "lookup", "{}"),
	}}
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){reply(two)}}

	resp, err := Run(ctx, c, baseRequest(cancelling))
	require.NoError(t, err)
	assert.Equal(t, Cancelled, resp.State)
	assert.Equal(t, 1, calls)
	require.Len(t, resp.Messages, 4)
	assert.Equal(t, "kept", resp.Messages[3].Content)
}

func TestRunCompletionErrorAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
		func(context.Context) (*llm.Completion, error) {
			cancel()
			return nil, context.Canceled
		},
	}}

	tr := trace.New()
	req := baseRequest()
	req.Trace = tr
	resp, err := Run(ctx, c, req)
	require.NoError(t, err)
	assert.Equal(t, Cancelled, resp.State)
	assert.Nil(t, resp.Error)
	assert.Contains(t, tr.Content(), "Request cancelled")
}

func TestRunRequestError(t *testing.T) {
	reqErr := &llm.RequestError{Status: 429, StatusText: "Too Many Requests", Body: &llm.APIError{Message: "slow down", Type: "rate_limit", Code: "rate_limited"}}
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
		func(context.Context) (*llm.Completion, error) { return nil, errors.Wrap(reqErr, "complete") },
	}}
	tr := trace.New()
	req := baseRequest()
	req.Trace = tr

	resp, err := Run(context.Background(), c, req)
	require.NoError(t, err)
	assert.Equal(t, Failed, resp.State)
	assert.Equal(t, "Request error: `429`, Too Many Requests\n", resp.Text)

	var got *llm.RequestError
	require.True(t, errors.As(resp.Error, &got))
	assert.Equal(t, 429, got.Status)

	out := tr.Content()
	assert.Contains(t, out, "Request error")
	assert.Contains(t, out, "> slow down")
	assert.Contains(t, out, "code: `rate_limited`")
}

func TestRunTransportError(t *testing.T) {
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
		func(context.Context) (*llm.Completion, error) { return nil, errors.New("connection reset") },
	}}
	resp, err := Run(context.Background(), c, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, Failed, resp.State)
	assert.Equal(t, "Unexpected error", resp.Text)
	assert.EqualError(t, resp.Error, "connection reset")
}

func TestRunFunctionErrors(t *testing.T) {
	t.Run("unknown function", func(t *testing.T) {
		c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
			reply(toolCall("1", "missing", "{}")),
		}}
		resp, err := Run(context.Background(), c, baseRequest())
		assert.ErrorIs(t, err, ErrFunctionNotFound)
		assert.Contains(t, err.Error(), "function missing not found")
		assert.Equal(t, Failed, resp.State)
	})

	t.Run("bad arguments", func(t *testing.T) {
		calls := 0
		c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
			reply(toolCall("1", "lookup", "{not json")),
		}}
		_, err := Run(context.Background(), c, baseRequest(lookupFunction(&calls)))
		assert.ErrorIs(t, err, ErrInvalidArguments)
		assert.Zero(t, calls)
	})

	t.Run("handler error", func(t *testing.T) {
		failing := promptdom.ChatFunction{
			Definition: llm.ToolFunction{Name: "lookup"},
			Handler: func(context.Context, promptdom.FunctionCall) (any, error) {
				return nil, errors.New("disk on fire")
			},
		}
		c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
			reply(toolCall("1", "lookup", "")),
		}}
		_, err := Run(context.Background(), c, baseRequest(failing))
		assert.ErrorContains(t, err, "disk on fire")
	})
}

func TestRunTextWithToolCalls(t *testing.T) {
	calls := 0
	withText := toolCall("1", "lookup", `{"key":"y"}`)
	withText.Text = "Let me check."
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
		reply(withText),
		reply(&llm.Completion{Text: "y is 1"}),
	}}
	req := baseRequest(lookupFunction(&calls))
	req.Assistant = "Sure."

	resp, err := Run(context.Background(), c, req)
	require.NoError(t, err)
	assert.Equal(t, "Sure.\nLet me check.\ny is 1", resp.Text)
	require.Len(t, resp.Messages, 6)
	assert.Equal(t, "Let me check.", resp.Messages[3].Content)
	assert.Empty(t, resp.Messages[3].ToolCalls)
	assert.Len(t, resp.Messages[4].ToolCalls, 1)
}

func TestRunRequestParameters(t *testing.T) {
	c := &scriptedCompleter{replies: []func(context.Context) (*llm.Completion, error){
		reply(&llm.Completion{Text: "{}"}),
	}}
	temp, seed := 0.0, 3
	req := baseRequest()
	req.Temperature = &temp
	req.Seed = &seed
	req.ResponseType = "json_object"
	req.Images = []promptdom.Image{{URL: "https://example.com/a.png"}}

	_, err := Run(context.Background(), c, req)
	require.NoError(t, err)
	sent := c.requests[0]
	assert.Equal(t, "gpt-4", sent.Model)
	assert.Same(t, &temp, sent.Temperature)
	assert.Equal(t, &llm.ResponseFormat{Type: "json_object"}, sent.ResponseFormat)
	assert.Empty(t, sent.Tools)
	assert.Len(t, sent.Messages[1].Images, 1)
}

func TestNormalizeOutput(t *testing.T) {
	tests := []struct {
		in   any
		want string
	}{
		{nil, ""},
		{"plain", "plain"},
		{promptdom.FunctionOutput{Content: "c"}, "c"},
		{&promptdom.FunctionOutput{Content: "p"}, "p"},
		{map[string]int{"n": 1}, `{"n":1}`},
	}
	for _, tc := range tests {
		got, err := normalizeOutput(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

func TestSessions(t *testing.T) {
	var m Sessions
	first := m.Start(context.Background())
	assert.Same(t, first, m.Active())
	assert.NotEmpty(t, first.ID)

	second := m.Start(context.Background())
	assert.ErrorIs(t, first.Context().Err(), context.Canceled, "superseded session is cancelled")
	assert.NoError(t, second.Context().Err())
	assert.NotEqual(t, first.ID, second.ID)

	second.Progress("hel")
	second.Progress("lo")
	assert.Equal(t, "hello", second.Streamed())

	m.Release(first, nil)
	assert.Same(t, second, m.Active(), "releasing a superseded session keeps the active one")

	assert.True(t, m.Cancel())
	assert.Error(t, second.Context().Err())

	resp := &Response{Text: "done"}
	m.Release(second, resp)
	assert.Nil(t, m.Active())
	assert.False(t, m.Cancel())
	assert.Same(t, resp, second.Response())
	<-second.Done()
}
