package llm

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/youruser/gptool/internal/logging"
)

var (
	ErrStreamError = errors.New("stream error")
	log            = logging.Get()
)

// ClientOptions configures a Client. Retry, RetryDelay and MaxDelay form the
// retry policy for transient failures (429, 5xx, connection errors).
type ClientOptions struct {
	BaseURL    string
	APIKey     string
	Retry      int
	RetryDelay time.Duration
	MaxDelay   time.Duration
	HTTPClient *http.Client
	Logger     *zap.SugaredLogger
}

// Client handles communication with the LLM API.
type Client struct {
	baseURL string
	apiKey  string
	http    *retryablehttp.Client
}

// NewClient creates a new LLM client.
func NewClient(opts ClientOptions) *Client {
	rc := NewRetryClient(opts)
	// Hand the final response back so status and body can be reported.
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Client{
		baseURL: strings.TrimSuffix(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		http:    rc,
	}
}

// NewRetryClient returns an HTTP client applying the retry policy of opts,
// logging through zap.
func NewRetryClient(opts ClientOptions) *retryablehttp.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = opts.Retry
	if opts.RetryDelay > 0 {
		rc.RetryWaitMin = opts.RetryDelay
	}
	if opts.MaxDelay > 0 {
		rc.RetryWaitMax = opts.MaxDelay
	}
	if opts.HTTPClient != nil {
		rc.HTTPClient = opts.HTTPClient
	}
	sugar := opts.Logger
	if sugar == nil {
		sugar = log.Sugar()
	}
	rc.Logger = leveledLogger{sugar}
	return rc
}

// Complete sends a streaming chat request and assembles the response.
func (c *Client) Complete(ctx context.Context, req *ChatRequest, opts CompleteOptions) (*Completion, error) {
	body := *req
	body.Stream = true

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "encode chat request")
	}

	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bodyBytes)
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	log.Debug("HTTP POST %s/chat/completions (model: %s, messages: %d, tools: %d)",
		c.baseURL, req.Model, len(req.Messages), len(req.Tools))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Error("HTTP request failed: %v", err)
		return nil, err
	}
	defer resp.Body.Close()

	log.Debug("HTTP response status: %d", resp.StatusCode)

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		log.Error("API error %d: %s", resp.StatusCode, string(raw))
		return nil, newRequestError(resp, raw)
	}

	// Some compatible servers ignore "stream" and answer with a single body.
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		return decodeCompletion(resp.Body)
	}

	completion := &Completion{}
	err = c.processStream(ctx, resp.Body, func(ev StreamEvent) {
		switch ev.Type {
		case "content":
			completion.Text += ev.Content
			if opts.OnProgress != nil {
				opts.OnProgress(ev.Content)
			}
		case "tool_call":
			completion.ToolCalls = append(completion.ToolCalls, *ev.ToolCall)
		case "done":
			completion.Usage = ev.Usage
		}
	}, func(reason string) {
		completion.FinishReason = reason
	})
	if err != nil {
		return nil, err
	}
	return completion, nil
}

func decodeCompletion(r io.Reader) (*Completion, error) {
	var chatResp ChatResponse
	if err := json.NewDecoder(r).Decode(&chatResp); err != nil {
		return nil, errors.Wrap(err, "decode chat response")
	}
	if chatResp.Error != nil {
		return nil, errors.Wrap(ErrStreamError, chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 || chatResp.Choices[0].Message == nil {
		return nil, errors.New("no message in response")
	}
	choice := chatResp.Choices[0]
	return &Completion{
		Text:         choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        chatResp.Usage,
	}, nil
}

func newRequestError(resp *http.Response, raw []byte) *RequestError {
	reqErr := &RequestError{
		Status:     resp.StatusCode,
		StatusText: http.StatusText(resp.StatusCode),
	}
	var envelope struct {
		Error *APIError `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
		reqErr.Body = envelope.Error
	}
	return reqErr
}

// processStream reads SSE events and calls the callback for each.
func (c *Client) processStream(ctx context.Context, reader io.Reader, callback func(StreamEvent), onFinish func(string)) error {
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	// Tool calls arrive in pieces across deltas, keyed by index
	toolCalls := make(map[int]*ToolCall)
	var lastUsage *Usage

	emit := func() {
		indexes := make([]int, 0, len(toolCalls))
		for idx := range toolCalls {
			indexes = append(indexes, idx)
		}
		sort.Ints(indexes)
		for _, idx := range indexes {
			log.Debug("Emitting tool call: %s", toolCalls[idx].Function.Name)
			callback(StreamEvent{Type: "tool_call", ToolCall: toolCalls[idx]})
		}
		callback(StreamEvent{Type: "done", Usage: lastUsage})
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Text()

		// SSE format: "data: {json}"
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			emit()
			return nil
		}

		var resp ChatResponse
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			continue // Skip malformed chunks
		}

		if resp.Error != nil {
			callback(StreamEvent{Type: "error", Error: resp.Error.Message})
			return errors.Wrap(ErrStreamError, resp.Error.Message)
		}

		if resp.Usage != nil {
			lastUsage = resp.Usage
		}

		if len(resp.Choices) == 0 {
			continue
		}

		choice := resp.Choices[0]
		if choice.FinishReason != "" && onFinish != nil {
			onFinish(choice.FinishReason)
		}
		delta := choice.Delta
		if delta == nil {
			delta = choice.Message
		}
		if delta == nil {
			continue
		}

		if delta.Content != "" {
			log.Stream("content", delta.Content)
			callback(StreamEvent{Type: "content", Content: delta.Content})
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if tc.ID != "" {
				toolCalls[idx] = &ToolCall{
					Index: idx,
					ID:    tc.ID,
					Type:  tc.Type,
					Function: ToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: tc.Function.Arguments,
					},
				}
			} else if existing, ok := toolCalls[idx]; ok {
				if tc.Function.Name != "" {
					existing.Function.Name = tc.Function.Name
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}
	}

	if err := scanner.Err(); err != nil {
		// A canceled context closes the body; report the cancellation instead.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("SSE scanner error: %v", err)
		return err
	}

	log.Debug("SSE stream ended without [DONE], emitting %d tool calls", len(toolCalls))
	emit()
	return nil
}

// leveledLogger adapts zap to retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) { l.s.Errorw(msg, kv...) }
func (l leveledLogger) Info(msg string, kv ...interface{})  { l.s.Infow(msg, kv...) }
func (l leveledLogger) Debug(msg string, kv ...interface{}) { l.s.Debugw(msg, kv...) }
func (l leveledLogger) Warn(msg string, kv ...interface{})  { l.s.Warnw(msg, kv...) }
