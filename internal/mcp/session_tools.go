package mcp

import (
	"context"

	"chatwatch/internal/browser"
)

type ListSessionsTool struct {
	sessions *browser.SessionManager
	chats    *chatRegistry
}

func (t *ListSessionsTool) Name() string { return "list-sessions" }
func (t *ListSessionsTool) Description() string {
	return `List the browser sessions managed by the Rod instance.

Returns: {sessions: [{id, url, title, profile}], chats: [session ids with an open chat]}.`
}
func (t *ListSessionsTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ListSessionsTool) Execute(_ context.Context, _ map[string]interface{}) (interface{}, error) {
	var sessions []browser.Session
	if t.sessions != nil {
		sessions = t.sessions.List()
	}
	if sessions == nil {
		sessions = []browser.Session{}
	}
	return map[string]interface{}{
		"sessions": sessions,
		"chats":    t.chats.ids(),
	}, nil
}

// LaunchBrowserTool starts Chrome using the configured launch command.
type LaunchBrowserTool struct {
	sessions *browser.SessionManager
}

func (t *LaunchBrowserTool) Name() string { return "launch-browser" }
func (t *LaunchBrowserTool) Description() string {
	return `Start or attach to Chrome. CALL THIS FIRST.

Attaches to browser.debugger_url when set, otherwise launches Chrome with the
configured flags (headless by default). Idempotent.

Returns: {status: "started"|"already_connected", control_url}`
}
func (t *LaunchBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *LaunchBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	if t.sessions == nil {
		return nil, browser.ErrNotConnected
	}
	if t.sessions.IsConnected() {
		return map[string]interface{}{
			"status":      "already_connected",
			"control_url": t.sessions.ControlURL(),
		}, nil
	}

	if err := t.sessions.Start(ctx); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"status":      "started",
		"control_url": t.sessions.ControlURL(),
	}, nil
}

// ShutdownBrowserTool stops the managed Chrome instance and forgets open chats.
type ShutdownBrowserTool struct {
	sessions *browser.SessionManager
	chats    *chatRegistry
}

func (t *ShutdownBrowserTool) Name() string { return "shutdown-browser" }
func (t *ShutdownBrowserTool) Description() string {
	return `Stop Chrome and close every session and chat.

Facts recorded so far stay queryable.`
}
func (t *ShutdownBrowserTool) InputSchema() map[string]interface{} {
	return map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{},
	}
}
func (t *ShutdownBrowserTool) Execute(ctx context.Context, _ map[string]interface{}) (interface{}, error) {
	t.chats.clear()
	if t.sessions != nil {
		if err := t.sessions.Shutdown(ctx); err != nil {
			return nil, err
		}
	}
	return map[string]interface{}{
		"status": "stopped",
	}, nil
}
