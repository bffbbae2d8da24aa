package mcp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"chatwatch/internal/browser"
	"chatwatch/internal/chat"
	"chatwatch/internal/config"
	"chatwatch/internal/detector"

	"go.uber.org/zap"
)

// chatEntry is an open chat keyed by its browser session id.
type chatEntry struct {
	session   *chat.Session
	login     chat.LoginSurface
	artifacts *chat.ArtifactWriter
}

type chatRegistry struct {
	mu    sync.RWMutex
	chats map[string]*chatEntry
}

func newChatRegistry() *chatRegistry {
	return &chatRegistry{chats: make(map[string]*chatEntry)}
}

func (r *chatRegistry) add(id string, e *chatEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats[id] = e
}

func (r *chatRegistry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.chats[id]
	delete(r.chats, id)
	return ok
}

func (r *chatRegistry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats = make(map[string]*chatEntry)
}

func (r *chatRegistry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.chats))
	for id := range r.chats {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// get resolves the session_id argument.
func (r *chatRegistry) get(args map[string]interface{}) (*chatEntry, error) {
	id := getStringArg(args, "session_id")
	if id == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.chats[id]
	if !ok {
		return nil, fmt.Errorf("no open chat for session %s (use open-chat first)", id)
	}
	return e, nil
}

func sessionIDSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Session ID returned by open-chat",
	}
}

func exchangePayload(ex chat.Exchange) map[string]interface{} {
	res := ex.Result
	payload := map[string]interface{}{
		"success":    res.Outcome != detector.OutcomeTimedOutEmpty && res.Outcome != detector.OutcomeCanceled,
		"text":       res.Text,
		"outcome":    res.Outcome,
		"length":     len([]rune(res.Text)),
		"elapsed_ms": res.Elapsed().Milliseconds(),
		"ttft_ms":    res.TimeToFirstToken().Milliseconds(),
		"polls":      res.Polls,
		"extended":   res.Extended,
		"suspicious": res.Suspicious,
	}
	if res.Probe != "" {
		payload["probe"] = res.Probe
	}
	if res.StartMode != detector.StartNone {
		payload["start_mode"] = res.StartMode
	}
	if lat := ex.Latency(); lat > 0 {
		payload["latency_ms"] = lat.Milliseconds()
	}
	if ex.Artifacts != (chat.Artifacts{}) {
		payload["artifacts"] = ex.Artifacts
	}
	return payload
}

func dispatchPayload(rec chat.DispatchRecord) map[string]interface{} {
	payload := map[string]interface{}{
		"success": rec.Delivered(),
		"path":    rec.Path,
		"clicked": rec.Clicked,
	}
	if !rec.SentAt.IsZero() {
		payload["sent_at_ms"] = rec.SentAt.UnixMilli()
	}
	if rec.Err != "" {
		payload["error"] = rec.Err
	}
	return payload
}

// OpenChatTool opens the chat page in a new session and waits for the input.
type OpenChatTool struct {
	server *Server
}

func (t *OpenChatTool) Name() string { return "open-chat" }
func (t *OpenChatTool) Description() string {
	return `Open the chat UI in a new browser session.

PREREQUISITE: launch-browser.

Navigates to the configured chat URL (or the url argument), waits for the
message input and, when login is enabled, runs the email login flow.

Returns: {success, session: {id, url, title}} - pass the id to send-prompt,
await-response and ask.`
}
func (t *OpenChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"url": map[string]interface{}{
				"type":        "string",
				"description": "Chat URL; defaults to chat.url from the config",
			},
			"login": map[string]interface{}{
				"type":        "boolean",
				"description": "Run the login flow after opening (default: login.enabled)",
			},
		},
	}
}
func (t *OpenChatTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	s := t.server
	if s.sessions == nil {
		return nil, browser.ErrNotConnected
	}
	var sink detector.Sink
	if s.engine != nil {
		sink = s.engine
	}
	opened, err := chat.Open(ctx, s.sessions, s.cfg, getStringArg(args, "url"), sink, "mcp", s.log)
	if err != nil {
		return nil, err
	}
	id := opened.Session.ID
	s.chats.add(id, &chatEntry{session: opened.Session, login: opened.Page, artifacts: opened.Artifacts})

	if getBoolArg(args, "login", s.cfg.Login.Enabled) {
		loginCfg := s.cfg.Login
		loginCfg.Enabled = true
		if err := chat.Login(ctx, opened.Page, loginCfg, s.log.With(zap.String("session", id))); err != nil {
			return nil, fmt.Errorf("session %s opened but login failed: %w", id, err)
		}
	}

	return map[string]interface{}{
		"success": true,
		"session": opened.Browser,
	}, nil
}

// CloseChatTool closes a chat and its browser tab.
type CloseChatTool struct {
	sessions *browser.SessionManager
	chats    *chatRegistry
}

func (t *CloseChatTool) Name() string { return "close-chat" }
func (t *CloseChatTool) Description() string {
	return `Close an open chat and its browser tab. Recorded facts are kept.`
}
func (t *CloseChatTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *CloseChatTool) Execute(_ context.Context, args map[string]interface{}) (interface{}, error) {
	id := getStringArg(args, "session_id")
	if id == "" {
		return nil, fmt.Errorf("session_id is required")
	}
	known := t.chats.remove(id)
	if t.sessions != nil {
		if err := t.sessions.CloseSession(id); err != nil && !known {
			return nil, err
		}
	}
	return map[string]interface{}{"success": true, "status": "closed"}, nil
}

// LoginTool runs the email login flow on an open chat.
type LoginTool struct {
	chats *chatRegistry
	cfg   config.LoginConfig
	log   *zap.Logger
}

func (t *LoginTool) Name() string { return "login" }
func (t *LoginTool) Description() string {
	return `Log in to the chat with the configured email and password.

Skipped when the page already shows the authenticated URL. Credentials come
from the config or CHATWATCH_EMAIL / CHATWATCH_PASSWORD; they are never
accepted as tool arguments.`
}
func (t *LoginTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *LoginTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	e, err := t.chats.get(args)
	if err != nil {
		return nil, err
	}
	if e.login == nil {
		return nil, fmt.Errorf("session %s does not support login", e.session.ID)
	}
	cfg := t.cfg
	cfg.Enabled = true
	if err := chat.Login(ctx, e.login, cfg, t.log.With(zap.String("session", e.session.ID))); err != nil {
		return nil, err
	}
	return map[string]interface{}{"success": true, "status": "logged_in"}, nil
}

// SendPromptTool dispatches a prompt without waiting for the answer.
type SendPromptTool struct {
	chats *chatRegistry
}

func (t *SendPromptTool) Name() string { return "send-prompt" }
func (t *SendPromptTool) Description() string {
	return `Type a prompt into the chat and submit it. Does not wait for the answer.

Delivery tries key input first, falls back to script injection, and clicks the
send button when one is present. Follow with await-response.

Returns: {success, path: "keys"|"inject"|"none", clicked, sent_at_ms, error?}.
success=false means no path reached the page.`
}
func (t *SendPromptTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Prompt text (any language)",
			},
		},
		"required": []string{"session_id", "prompt"},
	}
}
func (t *SendPromptTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	e, err := t.chats.get(args)
	if err != nil {
		return nil, err
	}
	prompt := getStringArg(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	return dispatchPayload(e.session.Send(ctx, prompt)), nil
}

// AwaitResponseTool waits for the answer to the last prompt.
type AwaitResponseTool struct {
	chats *chatRegistry
}

func (t *AwaitResponseTool) Name() string { return "await-response" }
func (t *AwaitResponseTool) Description() string {
	return `Wait until the assistant's answer has finished streaming and return it.

Completion is inferred: the text must stop growing for the stable window while
no typing indicator is visible. Short or "one moment" style answers get an
extended wait.

Returns: {success, text, outcome, length, elapsed_ms, ttft_ms, latency_ms,
extended, suspicious}. outcome is one of done, done_after_extension,
safety_cap, timed_out_empty, timed_out_partial, canceled.`
}
func (t *AwaitResponseTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
		},
		"required": []string{"session_id"},
	}
}
func (t *AwaitResponseTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	e, err := t.chats.get(args)
	if err != nil {
		return nil, err
	}
	return exchangePayload(e.session.Await(ctx)), nil
}

// AskTool sends a prompt and waits for its answer.
type AskTool struct {
	chats *chatRegistry
}

func (t *AskTool) Name() string { return "ask" }
func (t *AskTool) Description() string {
	return `Send a prompt and wait for the complete answer (send-prompt + await-response).

Returns the await-response payload plus the dispatch record.`
}
func (t *AskTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
			"prompt": map[string]interface{}{
				"type":        "string",
				"description": "Prompt text (any language)",
			},
		},
		"required": []string{"session_id", "prompt"},
	}
}
func (t *AskTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	e, err := t.chats.get(args)
	if err != nil {
		return nil, err
	}
	prompt := getStringArg(args, "prompt")
	if prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	ex := e.session.Ask(ctx, prompt)
	payload := exchangePayload(ex)
	payload["dispatch"] = dispatchPayload(ex.Dispatch)
	return payload, nil
}

// CaptureArtifactsTool writes a screenshot and HTML dump of the chat.
type CaptureArtifactsTool struct {
	chats *chatRegistry
}

func (t *CaptureArtifactsTool) Name() string { return "capture-artifacts" }
func (t *CaptureArtifactsTool) Description() string {
	return `Save a full-page screenshot and the page HTML under the artifacts directory.

Returns: {success, screenshot, html} with the written paths.`
}
func (t *CaptureArtifactsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"session_id": sessionIDSchema(),
			"label": map[string]interface{}{
				"type":        "string",
				"description": "File name label (default: manual)",
			},
		},
		"required": []string{"session_id"},
	}
}
func (t *CaptureArtifactsTool) Execute(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	e, err := t.chats.get(args)
	if err != nil {
		return nil, err
	}
	label := getStringArg(args, "label")
	if label == "" {
		label = "manual"
	}
	arts := e.artifacts.Capture(ctx, e.session.Surface(), label)
	return map[string]interface{}{
		"success":    arts.Screenshot != "" || arts.HTML != "",
		"screenshot": arts.Screenshot,
		"html":       arts.HTML,
	}, nil
}
