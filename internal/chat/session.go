// Package chat drives a chat UI through rod: prompt dispatch, the DOM
// observation port used by the detector, login and debug artifacts.
package chat

import (
	"context"
	"sync"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/detector"
	"chatwatch/internal/metrics"

	"go.uber.org/zap"
)

// Surface is everything a chat session needs from a page.
type Surface interface {
	detector.Page
	Composer
	Capturer
}

// Exchange is one prompt and its awaited answer.
type Exchange struct {
	Dispatch  DispatchRecord  `json:"dispatch"`
	Result    detector.Result `json:"result"`
	Artifacts Artifacts       `json:"artifacts,omitempty"`
}

// Latency is the time from send to the final answer.
func (e Exchange) Latency() time.Duration {
	if e.Dispatch.SentAt.IsZero() || e.Result.FinishedAt.IsZero() {
		return 0
	}
	return e.Result.FinishedAt.Sub(e.Dispatch.SentAt)
}

// Session pairs a dispatcher and a detector on one surface. Prompts on a
// session are sequential.
type Session struct {
	ID string

	surface   Surface
	disp      *Dispatcher
	det       *detector.Detector
	artifacts *ArtifactWriter
	log       *zap.Logger

	mu        sync.Mutex
	pending   *detector.Baseline
	lastShort Artifacts
}

type sessionConfig struct {
	sink      detector.Sink
	artifacts *ArtifactWriter
	noShort   bool
	logger    *zap.Logger
	clock     detector.Clock
}

// SessionOption customizes NewSession.
type SessionOption func(*sessionConfig)

// WithFacts records dispatch and lifecycle facts into sink.
func WithFacts(sink detector.Sink) SessionOption {
	return func(c *sessionConfig) { c.sink = sink }
}

// WithArtifacts stores debug artifacts through w, including one capture per
// answer that ends below the minimum length.
func WithArtifacts(w *ArtifactWriter) SessionOption {
	return func(c *sessionConfig) { c.artifacts = w }
}

// CaptureShortAnswers toggles the automatic capture for short answers.
func CaptureShortAnswers(on bool) SessionOption {
	return func(c *sessionConfig) { c.noShort = !on }
}

func WithLogger(l *zap.Logger) SessionOption {
	return func(c *sessionConfig) { c.logger = l }
}

func WithClock(clk detector.Clock) SessionOption {
	return func(c *sessionConfig) { c.clock = clk }
}

// NewSession wires a dispatcher and a detector to surface.
func NewSession(id string, surface Surface, opts detector.Options, options ...SessionOption) *Session {
	sc := sessionConfig{logger: zap.NewNop(), clock: detector.SystemClock{}}
	for _, opt := range options {
		opt(&sc)
	}
	log := sc.logger.With(zap.String("session", id))

	s := &Session{
		ID:        id,
		surface:   surface,
		artifacts: sc.artifacts,
		log:       log,
	}
	s.disp = NewDispatcher(surface, id, sc.sink, log)
	s.disp.now = sc.clock.Now

	detOpts := []detector.Option{
		detector.WithClock(sc.clock),
		detector.WithLogger(log.Named("detector")),
	}
	if sc.sink != nil {
		detOpts = append(detOpts, detector.WithSink(sc.sink, id))
	}
	if sc.artifacts != nil && !sc.noShort {
		detOpts = append(detOpts, detector.WithShortAnswerHook(s.captureShort))
	}
	s.det = detector.New(surface, opts, detOpts...)
	return s
}

// Detector exposes the session's detector.
func (s *Session) Detector() *detector.Detector { return s.det }

// Surface exposes the page the session drives.
func (s *Session) Surface() Surface { return s.surface }

// Send records a baseline and dispatches prompt without waiting for the
// answer. A following Await measures from that baseline and ignores an echo
// of prompt.
func (s *Session) Send(ctx context.Context, prompt string) DispatchRecord {
	base := s.det.Baseline(ctx)
	base.Prompt = prompt
	s.mu.Lock()
	s.pending = &base
	s.mu.Unlock()

	rec := s.disp.Send(ctx, prompt)
	metrics.ObserveDispatch(rec.Path)
	return rec
}

// Await waits for the answer to the last Send. Without a pending send it
// takes a fresh baseline, so only an answer that starts later is seen.
func (s *Session) Await(ctx context.Context) Exchange {
	s.mu.Lock()
	base := s.pending
	s.pending = nil
	s.lastShort = Artifacts{}
	s.mu.Unlock()

	var res detector.Result
	if base != nil {
		res = s.det.AwaitFrom(ctx, *base)
	} else {
		res = s.det.Await(ctx)
	}
	metrics.ObserveResponse(string(res.Outcome), res.Elapsed(), res.TimeToFirstToken(), res.Suspicious)

	s.mu.Lock()
	arts := s.lastShort
	s.mu.Unlock()
	return Exchange{Dispatch: s.disp.Last(), Result: res, Artifacts: arts}
}

// Ask sends prompt and waits for its answer.
func (s *Session) Ask(ctx context.Context, prompt string) Exchange {
	s.Send(ctx, prompt)
	return s.Await(ctx)
}

// Capture writes debug artifacts under label.
func (s *Session) Capture(ctx context.Context, label string) Artifacts {
	return s.artifacts.Capture(ctx, s.surface, label)
}

func (s *Session) captureShort(ctx context.Context, res detector.Result) {
	arts := s.artifacts.Capture(ctx, s.surface, "short_"+string(res.Outcome))
	s.mu.Lock()
	s.lastShort = arts
	s.mu.Unlock()
}

// DetectorOptions converts the detector and chat sections into detector options.
func DetectorOptions(cfg config.Config) detector.Options {
	opts := detector.DefaultOptions()
	d := cfg.Detector
	opts.Timeout = d.GetTimeout()
	opts.PollInterval = d.GetPollInterval()
	opts.StableWindow = d.GetStableWindow()
	opts.BusyClearWait = d.GetBusyClearWait()
	opts.MinAcceptableLength = d.MinAcceptableLength
	opts.ExtraWaitAfterShort = d.GetExtraWaitAfterShort()
	opts.MaxExtraWait = d.GetMaxExtraWait()
	opts.MaxStreamDuration = d.GetMaxStreamDuration()
	if len(d.InterimPhrases) > 0 {
		opts.InterimPhrases = d.InterimPhrases
	}
	if len(cfg.Chat.MessageSelectors) > 0 {
		opts.Probes = detector.SelectorProbes(cfg.Chat.MessageSelectors)
	}
	opts.ContainerSelector = cfg.Chat.ContainerSelector
	return opts
}
