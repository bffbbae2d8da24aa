package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/mangle"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrNotConnected is returned by session operations before Start.
var ErrNotConnected = errors.New("browser not connected")

// Session describes the public metadata for a tracked browser context.
type Session struct {
	ID         string    `json:"id"`
	TargetID   string    `json:"target_id,omitempty"`
	URL        string    `json:"url,omitempty"`
	Title      string    `json:"title,omitempty"`
	Status     string    `json:"status,omitempty"`
	Profile    string    `json:"profile,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

type sessionRecord struct {
	meta    Session
	page    *rod.Page
	network atomic.Int64
	stop    context.CancelFunc
}

type eventThrottler struct {
	interval time.Duration
	mu       sync.Mutex
	last     map[string]time.Time
}

func newEventThrottler(ms int) *eventThrottler {
	if ms <= 0 {
		return nil
	}
	return &eventThrottler{
		interval: time.Duration(ms) * time.Millisecond,
		last:     make(map[string]time.Time),
	}
}

func (t *eventThrottler) Allow(key string) bool {
	if t == nil {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if last, ok := t.last[key]; ok {
		if now.Sub(last) < t.interval {
			return false
		}
	}
	t.last[key] = now
	return true
}

// SessionManager owns the Chrome instance and tracks chat sessions.
type SessionManager struct {
	cfg        config.BrowserConfig
	engine     EngineSink
	log        *zap.Logger
	mu         sync.RWMutex
	browser    *rod.Browser
	launched   *launcher.Launcher
	sessions   map[string]*sessionRecord
	controlURL string
}

// EngineSink defines the minimal interface we need from the logic layer.
type EngineSink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

func NewSessionManager(cfg config.BrowserConfig, sink EngineSink, logger *zap.Logger) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{
		cfg:      cfg,
		engine:   sink,
		log:      logger.Named("browser"),
		sessions: make(map[string]*sessionRecord),
	}
}

// Start connects to an existing Chrome or launches one. With neither
// debugger_url nor launch configured, rod's managed browser is used.
func (m *SessionManager) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if m.browser != nil {
		if _, err := m.browser.Version(); err == nil {
			return nil
		}
		m.log.Warn("stale browser connection detected, reconnecting")
		m.closeSessions()
		_ = m.browser.Close()
		m.mu.Lock()
		m.browser = nil
		m.controlURL = ""
		m.mu.Unlock()
	}

	controlURL := m.cfg.DebuggerURL
	if controlURL == "" {
		l := m.launcher()
		url, err := l.Launch()
		if err != nil && len(m.cfg.Launch) > 0 {
			// Retry with only the binary and rod's defaults.
			fallback := launcher.New().Bin(m.cfg.Launch[0]).Headless(m.cfg.IsHeadless())
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			l, url, err = fallback, alt, nil
		}
		if err != nil {
			return fmt.Errorf("launch chrome: %w", err)
		}
		m.launched = l
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		m.killLauncher()
		return fmt.Errorf("connect to chrome: %w", err)
	}

	m.mu.Lock()
	m.browser = browser
	m.controlURL = controlURL
	m.mu.Unlock()
	m.log.Info("browser connected", zap.String("control_url", controlURL), zap.Bool("headless", m.cfg.IsHeadless()))
	return nil
}

func (m *SessionManager) launcher() *launcher.Launcher {
	l := launcher.New().Headless(m.cfg.IsHeadless())
	if len(m.cfg.Launch) == 0 {
		return l
	}
	l = l.Bin(m.cfg.Launch[0])
	for _, rawFlag := range m.cfg.Launch[1:] {
		flagStr := strings.TrimLeft(rawFlag, "-")
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

func (m *SessionManager) killLauncher() {
	if m.launched == nil {
		return
	}
	m.launched.Kill()
	m.launched.Cleanup()
	m.launched = nil
}

// ControlURL returns the WebSocket debugger URL for the connected browser.
func (m *SessionManager) ControlURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.controlURL
}

// IsConnected returns whether the browser is currently connected.
func (m *SessionManager) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.browser != nil
}

// Shutdown closes tracked pages and the underlying browser.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.closeSessions()

	m.mu.Lock()
	defer m.mu.Unlock()
	var err error
	if m.browser != nil {
		err = m.browser.Close()
		m.browser = nil
	}
	m.killLauncher()
	m.controlURL = ""
	m.log.Info("browser shutdown complete")
	return err
}

func (m *SessionManager) closeSessions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, rec := range m.sessions {
		rec.close()
		delete(m.sessions, id)
	}
}

func (r *sessionRecord) close() {
	if r.stop != nil {
		r.stop()
	}
	if r.page != nil {
		_ = r.page.Close()
	}
}

// List returns lightweight metadata for all known sessions.
func (m *SessionManager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make([]Session, 0, len(m.sessions))
	for _, record := range m.sessions {
		results = append(results, record.meta)
	}
	return results
}

// CreateSession opens a page in a fresh incognito context, applies the device
// profile, starts the event stream and then navigates to url.
func (m *SessionManager) CreateSession(ctx context.Context, url string) (*Session, error) {
	m.mu.RLock()
	browser := m.browser
	m.mu.RUnlock()
	if browser == nil {
		return nil, ErrNotConnected
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("incognito context: %w", err)
	}

	page, err := incognito.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}

	profile := ProfileFor(m.cfg)
	if err := profile.Apply(page); err != nil {
		m.log.Warn("failed to apply device profile", zap.String("profile", profile.Name), zap.Error(err))
	}

	now := time.Now()
	rec := &sessionRecord{
		meta: Session{
			ID:         uuid.NewString(),
			TargetID:   string(page.TargetID),
			URL:        url,
			Status:     "active",
			Profile:    profile.Name,
			CreatedAt:  now,
			LastActive: now,
		},
		page: page,
	}

	m.mu.Lock()
	m.sessions[rec.meta.ID] = rec
	m.mu.Unlock()

	m.startEventStream(rec)

	if url != "" {
		if err := page.Context(ctx).Timeout(m.cfg.NavigationTimeout()).Navigate(url); err != nil {
			m.log.Warn("navigation failed", zap.String("session", rec.meta.ID), zap.String("url", url), zap.Error(err))
		} else if info, err := page.Info(); err == nil {
			m.UpdateMetadata(rec.meta.ID, func(s Session) Session {
				s.Title = info.Title
				return s
			})
		}
	}

	meta, _ := m.GetSession(rec.meta.ID)
	return &meta, nil
}

// CloseSession closes the page and forgets the session.
func (m *SessionManager) CloseSession(sessionID string) error {
	m.mu.Lock()
	rec, ok := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session: %s", sessionID)
	}
	rec.close()
	return nil
}

// Page returns the underlying Rod page for a session when present.
func (m *SessionManager) Page(sessionID string) (*rod.Page, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok || rec.page == nil {
		return nil, false
	}
	return rec.page, true
}

// NetworkActivity returns the number of requests the session has issued so far.
// Unknown sessions and disabled tracking report 0.
func (m *SessionManager) NetworkActivity(sessionID string) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return 0
	}
	return rec.network.Load()
}

// UpdateMetadata allows callers to refresh metadata (e.g., URL/title after navigation).
func (m *SessionManager) UpdateMetadata(sessionID string, updater func(Session) Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	rec.meta = updater(rec.meta)
}

// GetSession returns the current session metadata when available.
func (m *SessionManager) GetSession(sessionID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return rec.meta, true
}

// startEventStream counts outgoing requests and mirrors navigation and network
// events into the fact sink until the session closes.
func (m *SessionManager) startEventStream(rec *sessionRecord) {
	streamCtx, stop := context.WithCancel(context.Background())
	rec.stop = stop

	sessionID := rec.meta.ID
	track := m.cfg.IsTrackingNetwork()
	throttler := newEventThrottler(m.cfg.EventThrottleMs)
	log := m.log.With(zap.String("session", sessionID))

	wait := rec.page.Context(streamCtx).EachEvent(
		func(ev *proto.PageFrameNavigated) {
			if ev.Frame == nil || ev.Frame.ParentID != "" {
				return
			}
			now := time.Now()
			m.UpdateMetadata(sessionID, func(s Session) Session {
				s.URL = ev.Frame.URL
				s.LastActive = now
				return s
			})
			m.emit(streamCtx, log, mangle.Fact{
				Predicate: "page_navigated",
				Args:      []interface{}{sessionID, ev.Frame.URL},
				Timestamp: now,
			})
		},
		func(ev *proto.NetworkRequestWillBeSent) {
			if !track {
				return
			}
			rec.network.Add(1)
			if ev.Request == nil || !throttler.Allow("net_request") {
				return
			}
			m.emit(streamCtx, log, mangle.Fact{
				Predicate: "net_request",
				Args:      []interface{}{sessionID, string(ev.RequestID), ev.Request.Method, ev.Request.URL},
				Timestamp: time.Now(),
			})
		},
	)
	go wait()
}

func (m *SessionManager) emit(ctx context.Context, log *zap.Logger, fact mangle.Fact) {
	if m.engine == nil {
		return
	}
	if err := m.engine.AddFacts(ctx, []mangle.Fact{fact}); err != nil {
		log.Debug("fact dropped", zap.String("predicate", fact.Predicate), zap.Error(err))
	}
}
