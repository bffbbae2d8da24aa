package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/mangle"
)

func testChatConfig() config.ChatConfig {
	return config.DefaultConfig().Chat
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

// fakeSurface is a chat whose assistant replies appear on a schedule after
// each delivered prompt.
type fakeSurface struct {
	clock *fakeClock

	history []string
	// reply returns the assistant blocks visible at elapsed time since send.
	reply  func(elapsed time.Duration) []string
	sentAt time.Time

	clearErr  error
	typeErr   error
	injectErr error
	clickErr  error
	hasButton bool

	// draft is text left in the input by an earlier attempt.
	draft string

	typed    []string
	injected []string
	clears   int
	clicks   int
	shots    int
}

func (f *fakeSurface) Query(ctx context.Context, selector string) ([]string, error) {
	out := append([]string(nil), f.history...)
	if !f.sentAt.IsZero() && f.reply != nil {
		out = append(out, f.reply(f.clock.Now().Sub(f.sentAt))...)
	}
	return out, nil
}

func (f *fakeSurface) ChildCount(ctx context.Context, selector string) (int, error) {
	texts, _ := f.Query(ctx, selector)
	return len(texts), nil
}

func (f *fakeSurface) Busy(ctx context.Context) (bool, error) { return false, nil }

func (f *fakeSurface) NetworkActivity(ctx context.Context) int64 { return -1 }

func (f *fakeSurface) ClearInput(ctx context.Context) error {
	f.clears++
	if f.clearErr != nil {
		return f.clearErr
	}
	f.draft = ""
	return nil
}

func (f *fakeSurface) TypeText(ctx context.Context, text string) error {
	if f.typeErr != nil {
		return f.typeErr
	}
	f.typed = append(f.typed, f.draft+text)
	f.draft = ""
	f.sentAt = f.clock.Now()
	return nil
}

func (f *fakeSurface) InjectText(ctx context.Context, text string) error {
	if f.injectErr != nil {
		return f.injectErr
	}
	f.injected = append(f.injected, text)
	f.sentAt = f.clock.Now()
	return nil
}

func (f *fakeSurface) ClickSend(ctx context.Context) (bool, error) {
	if f.clickErr != nil {
		return false, f.clickErr
	}
	if !f.hasButton {
		return false, nil
	}
	f.clicks++
	if f.sentAt.IsZero() {
		f.sentAt = f.clock.Now()
	}
	return true, nil
}

func (f *fakeSurface) Screenshot(ctx context.Context) ([]byte, error) {
	f.shots++
	return []byte("\x89PNG fake"), nil
}

func (f *fakeSurface) HTML(ctx context.Context) (string, error) {
	return "<html><body>chat</body></html>", nil
}

type brokenCapturer struct{}

func (brokenCapturer) Screenshot(ctx context.Context) ([]byte, error) {
	return nil, errors.New("target closed")
}

func (brokenCapturer) HTML(ctx context.Context) (string, error) {
	return "", errors.New("target closed")
}

type memorySink struct {
	mu    sync.Mutex
	facts []mangle.Fact
}

func (s *memorySink) AddFacts(ctx context.Context, facts []mangle.Fact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = append(s.facts, facts...)
	return nil
}

func (s *memorySink) predicates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f.Predicate)
	}
	return out
}

func (s *memorySink) find(pred string) (mangle.Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range s.facts {
		if f.Predicate == pred {
			return f, true
		}
	}
	return mangle.Fact{}, false
}
