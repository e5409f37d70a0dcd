package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/youruser/gptool/internal/chat"
	"github.com/youruser/gptool/internal/config"
	"github.com/youruser/gptool/internal/expander"
	"github.com/youruser/gptool/internal/fragment"
	"github.com/youruser/gptool/internal/llm"
	"github.com/youruser/gptool/internal/output"
	"github.com/youruser/gptool/internal/runner"
)

const maxRequestSize = 1024 * 1024

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve line-delimited JSON requests on stdin and stdout",
		Long: `Read one JSON request per line from stdin and write JSON responses to stdout.

Actions: ping, version, list_templates, estimate_tokens, run, cancel.
Responses echo the request_id of the request they answer. One run is
active at a time.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			wd, err := os.Getwd()
			if err != nil {
				return err
			}
			w, err := openWorkspace(wd, cfg)
			if err != nil {
				return err
			}
			defer w.Close()
			return newServer(w, cmd.OutOrStdout()).serve(cmd.Context(), cmd.InOrStdin())
		},
	}
}

// server answers requests for one workspace.
type server struct {
	w         *workspace
	out       io.Writer
	tokenizer llm.Tokenizer

	respondMu sync.Mutex

	completerMu sync.Mutex
	completer   llm.Completer

	activeMu  sync.Mutex
	sessions  chat.Sessions
	activeReq string
	busy      bool

	runs sync.WaitGroup
}

func newServer(w *workspace, out io.Writer) *server {
	return &server{w: w, out: out, tokenizer: llm.DefaultTokenizer()}
}

// serve handles requests until in is exhausted and waits for the active
// run. Runs are cancelled with ctx.
func (s *server) serve(ctx context.Context, in io.Reader) error {
	defer s.runs.Wait()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxRequestSize)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		s.handleRequest(ctx, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.respond("", map[string]any{
				"type":    "error",
				"message": "Request too large (max 1MB). Reduce the request size.",
			})
		}
		return errors.Wrap(err, "read requests")
	}
	return nil
}

func (s *server) handleRequest(ctx context.Context, line string) {
	var req map[string]any
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		log.Warn("Invalid JSON request: %s", line)
		s.respond("", map[string]any{"type": "error", "message": "Invalid JSON"})
		return
	}

	action, _ := req["action"].(string)
	log.Request(action, line)
	reqID := requestID(req)

	switch action {
	case "ping":
		s.respond(reqID, map[string]any{"type": "ok"})

	case "version":
		s.respond(reqID, map[string]any{"type": "version", "version": versionString()})

	case "list_templates":
		withSystem, _ := req["system"].(bool)
		s.respond(reqID, map[string]any{"type": "templates", "templates": listTemplates(s.w.registry, withSystem)})

	case "estimate_tokens":
		s.handleEstimateTokens(reqID, req)

	case "run":
		s.handleRun(ctx, reqID, req)

	case "cancel":
		target, _ := req["target_id"].(string)
		s.respond(reqID, map[string]any{"type": "ok", "cancelled": s.cancel(target)})

	default:
		s.respond(reqID, map[string]any{"type": "error", "message": fmt.Sprintf("Unknown action: %s", action)})
	}
}

func (s *server) handleEstimateTokens(reqID string, req map[string]any) {
	texts, ok := req["texts"].([]any)
	if !ok || len(texts) == 0 {
		s.respond(reqID, map[string]any{"type": "error", "message": "Missing or empty 'texts' array"})
		return
	}
	model, _ := req["model"].(string)
	if model == "" {
		model = s.w.cfg.Model
	}
	tokens := make([]int, len(texts))
	total := 0
	for i, v := range texts {
		text, _ := v.(string)
		n, err := s.tokenizer.EstimateTokens(model, text)
		if err != nil {
			n = llm.EstimateTokensSimple(model, text)
		}
		tokens[i] = n
		total += n
	}
	s.respond(reqID, map[string]any{"type": "token_estimate", "model": model, "tokens": tokens, "total": total})
}

// runRequest is the payload of a run action.
type runRequest struct {
	Template    string            `json:"template"`
	Files       []string          `json:"files"`
	Vars        map[string]string `json:"vars"`
	Label       string            `json:"label"`
	Model       string            `json:"model"`
	Temperature *float64          `json:"temperature"`
	MaxTokens   *int              `json:"max_tokens"`
	Seed        *int              `json:"seed"`
	ApplyEdits  bool              `json:"apply_edits"`
	Save        bool              `json:"save"`
	Prompt      bool              `json:"prompt"`
}

func decodeRunRequest(req map[string]any) (*runRequest, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	var rr runRequest
	if err := json.Unmarshal(data, &rr); err != nil {
		return nil, errors.Wrap(err, "invalid run request")
	}
	if rr.Template == "" {
		return nil, errors.New("Missing required field: template")
	}
	return &rr, nil
}

func (s *server) handleRun(ctx context.Context, reqID string, req map[string]any) {
	rr, err := decodeRunRequest(req)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	sess := s.reserve(ctx, reqID)
	if sess == nil {
		s.respond(reqID, map[string]any{"type": "error", "message": "Another request is already in progress"})
		return
	}
	fail := func(err error) {
		s.release(sess)
		s.respond(reqID, errorResponse(err))
	}
	tmpl, err := s.w.template(rr.Template)
	if err != nil {
		fail(err)
		return
	}
	frag, err := s.w.fragment(rr.Files)
	if err != nil {
		fail(err)
		return
	}
	var completer llm.Completer
	if !rr.Prompt {
		if completer, err = s.getCompleter(); err != nil {
			fail(err)
			return
		}
	}
	s.respond(reqID, map[string]any{"type": "started", "run_id": sess.ID})

	opts := runner.Options{
		Model:       rr.Model,
		Temperature: rr.Temperature,
		MaxTokens:   rr.MaxTokens,
		Seed:        rr.Seed,
		Vars:        rr.Vars,
		Label:       rr.Label,
		SkipLLM:     rr.Prompt,
		Trace:       sess.Trace,
		OnProgress: func(chunk string) {
			sess.Progress(chunk)
			s.respond(reqID, map[string]any{"type": "chunk", "content": chunk})
		},
		OnState: func(st chat.State) {
			s.respond(reqID, map[string]any{"type": "state", "state": st.String()})
		},
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.release(sess)
		s.execute(sess, reqID, tmpl, rr, completer, frag, opts)
	}()
}

func (s *server) execute(sess *chat.Session, reqID string, tmpl *expander.Template, rr *runRequest, completer llm.Completer, frag *fragment.Fragment, opts runner.Options) {
	deps := runner.Deps{Expander: s.w.expander, Completer: completer, Host: s.w.host}
	res, err := runner.RunTemplate(sess.Context(), deps, tmpl, frag, opts)
	if err != nil {
		s.respond(reqID, errorResponse(err))
		return
	}
	if res.Cancelled {
		s.respond(reqID, map[string]any{"type": "error", "message": "Response aborted by user."})
		return
	}

	done := map[string]any{"type": "done", "result": res}
	if res.Error != nil {
		done["error"] = res.Error.Error()
	}
	if rr.ApplyEdits && res.Error == nil {
		applied, err := output.ApplyFileEdits(s.w.host, res.FileEdits)
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		done["applied"] = applied
	}
	if rr.Save {
		b, err := output.WriteBundle(s.w.disk, s.bundleDir(res.ID), res, "gptool")
		if err != nil {
			s.respond(reqID, errorResponse(err))
			return
		}
		done["bundle"] = b.JSON
	}
	s.respond(reqID, done)
}

func (s *server) getCompleter() (llm.Completer, error) {
	s.completerMu.Lock()
	defer s.completerMu.Unlock()
	if s.completer != nil {
		return s.completer, nil
	}
	c, err := s.w.completer(false)
	if err != nil {
		return nil, err
	}
	s.completer = c
	return c, nil
}

// reserve starts a session for reqID unless a run is active.
func (s *server) reserve(ctx context.Context, reqID string) *chat.Session {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if s.busy {
		return nil
	}
	s.busy = true
	s.activeReq = reqID
	return s.sessions.Start(ctx)
}

func (s *server) release(sess *chat.Session) {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	s.sessions.Release(sess, nil)
	s.busy = false
	s.activeReq = ""
}

// cancel stops the active run. A non-empty target must match its request id.
func (s *server) cancel(target string) bool {
	s.activeMu.Lock()
	defer s.activeMu.Unlock()
	if !s.busy {
		return false
	}
	if target != "" && target != s.activeReq {
		return false
	}
	return s.sessions.Cancel()
}

func errorResponse(err error) map[string]any {
	msg := err.Error()
	if errors.Is(err, config.ErrNoAPIKey) {
		msg = "API key not set, configure api_key or OPENAI_API_KEY"
	}
	return map[string]any{"type": "error", "message": msg}
}

func (s *server) respond(reqID string, data map[string]any) {
	out, err := json.Marshal(addResponseID(reqID, data))
	if err != nil {
		log.Warn("encode response: %v", err)
		out, _ = json.Marshal(addResponseID(reqID, map[string]any{"type": "error", "message": err.Error()}))
	}
	msgType, _ := data["type"].(string)
	s.respondMu.Lock()
	defer s.respondMu.Unlock()
	log.Response(msgType, string(out))
	fmt.Fprintln(s.out, string(out))
}

func addResponseID(reqID string, data map[string]any) map[string]any {
	if reqID == "" {
		return data
	}
	data["request_id"] = reqID
	return data
}

func requestID(req map[string]any) string {
	switch v := req["request_id"].(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		return ""
	}
}

// bundleDir is where a saved run is written.
func (s *server) bundleDir(id string) string {
	out := s.w.cfg.OutDir
	if !filepath.IsAbs(out) {
		out = filepath.Join(s.w.host.ProjectFolder(), out)
	}
	return filepath.Join(out, id)
}
