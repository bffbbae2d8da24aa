package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatwatch/internal/detector"
	"chatwatch/internal/mangle"

	"go.uber.org/zap"
)

// Send paths recorded in DispatchRecord.Path.
const (
	PathKeys   = "keys"
	PathInject = "inject"
	PathNone   = "none"
)

// Composer is the input surface a prompt is written into.
type Composer interface {
	// ClearInput empties the input so a leftover draft is not sent along.
	ClearInput(ctx context.Context) error
	// TypeText focuses the input, types text and presses Enter.
	TypeText(ctx context.Context, text string) error
	// InjectText sets the input content programmatically, fires an input event and presses Enter.
	InjectText(ctx context.Context, text string) error
	// ClickSend clicks the send control and reports whether it was present and enabled.
	ClickSend(ctx context.Context) (bool, error)
}

// DispatchRecord describes the most recent send.
type DispatchRecord struct {
	Prompt  string    `json:"prompt"`
	SentAt  time.Time `json:"sent_at"`
	Path    string    `json:"path"`
	Clicked bool      `json:"clicked"`
	Err     string    `json:"error,omitempty"`
}

// Delivered reports whether any path reached the page.
func (r DispatchRecord) Delivered() bool {
	return r.Path != PathNone || r.Clicked
}

// Dispatcher writes prompts into a Composer. It never fails a send: total
// failure is logged and reported through the record.
type Dispatcher struct {
	composer Composer
	log      *zap.Logger
	sink     detector.Sink
	session  string
	now      func() time.Time

	mu   sync.Mutex
	last DispatchRecord
}

// NewDispatcher creates a dispatcher. sink may be nil.
func NewDispatcher(c Composer, sessionID string, sink detector.Sink, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		composer: c,
		log:      logger,
		sink:     sink,
		session:  sessionID,
		now:      time.Now,
	}
}

// Send clears the input, tries keystrokes, then DOM injection, then clicks
// send regardless of the outcome. Prompt and SentAt are always recorded.
func (d *Dispatcher) Send(ctx context.Context, text string) DispatchRecord {
	rec := DispatchRecord{Prompt: text, Path: PathNone}
	var errs []error

	if err := d.composer.ClearInput(ctx); err != nil {
		d.log.Debug("clear input failed", zap.Error(err))
	}

	if err := d.composer.TypeText(ctx, text); err == nil {
		rec.Path = PathKeys
	} else {
		errs = append(errs, err)
		d.log.Debug("keystroke send failed, trying injection", zap.Error(err))
		if err := d.composer.InjectText(ctx, text); err == nil {
			rec.Path = PathInject
		} else {
			errs = append(errs, err)
		}
	}
	rec.SentAt = d.now()

	clicked, err := d.composer.ClickSend(ctx)
	rec.Clicked = clicked
	if err != nil {
		errs = append(errs, err)
	}

	if !rec.Delivered() {
		rec.Err = errors.Join(errs...).Error()
		d.log.Warn("prompt dispatch failed on every path", zap.String("session", d.session), zap.String("error", rec.Err))
		d.record(ctx, mangle.Fact{
			Predicate: "send_failed",
			Args:      []interface{}{d.session, rec.Err},
			Timestamp: rec.SentAt,
		})
	} else {
		d.log.Info("prompt sent",
			zap.String("session", d.session),
			zap.String("path", rec.Path),
			zap.Bool("clicked", rec.Clicked),
			zap.Int("length", len([]rune(text))))
	}
	d.record(ctx, mangle.Fact{
		Predicate: "prompt_sent",
		Args:      []interface{}{d.session, rec.Path, rec.SentAt.UnixMilli()},
		Timestamp: rec.SentAt,
	})

	d.mu.Lock()
	d.last = rec
	d.mu.Unlock()
	return rec
}

// Last returns the most recent record.
func (d *Dispatcher) Last() DispatchRecord {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *Dispatcher) record(ctx context.Context, fact mangle.Fact) {
	if d.sink == nil {
		return
	}
	if err := d.sink.AddFacts(context.WithoutCancel(ctx), []mangle.Fact{fact}); err != nil {
		d.log.Debug("record fact failed", zap.String("predicate", fact.Predicate), zap.Error(err))
	}
}
