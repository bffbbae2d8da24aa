package chat

import (
	"context"
	"testing"
	"time"

	"chatwatch/internal/config"
	"chatwatch/internal/detector"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionOptions() detector.Options {
	return detector.Options{
		Timeout:             10 * time.Second,
		PollInterval:        250 * time.Millisecond,
		StableWindow:        2500 * time.Millisecond,
		ExtraWaitAfterShort: time.Second,
		MaxExtraWait:        time.Second,
		RetryDelay:          250 * time.Millisecond,
		StaleAttempts:       2,
		Probes:              []detector.Probe{detector.SelectorProbe(".assistant")},
	}
}

func streamingReply(elapsed time.Duration) []string {
	switch {
	case elapsed < 500*time.Millisecond:
		return nil
	case elapsed < time.Second:
		return []string{"Hel"}
	default:
		return []string{"Hello there, how can I help?"}
	}
}

func TestSessionAsk(t *testing.T) {
	clock := newFakeClock()
	f := &fakeSurface{clock: clock, history: []string{"Earlier answer"}, reply: streamingReply}
	sink := &memorySink{}
	s := NewSession("s1", f, sessionOptions(), WithClock(clock), WithFacts(sink))

	ex := s.Ask(context.Background(), "Hi")

	assert.Equal(t, "Hello there, how can I help?", ex.Result.Text)
	assert.Equal(t, detector.OutcomeDone, ex.Result.Outcome)
	assert.Equal(t, detector.StartAppended, ex.Result.StartMode)
	assert.Equal(t, PathKeys, ex.Dispatch.Path)
	assert.Equal(t, []string{"Hi"}, f.typed)
	assert.Equal(t, 3500*time.Millisecond, ex.Latency())
	assert.Zero(t, f.shots)

	preds := sink.predicates()
	assert.Contains(t, preds, "prompt_sent")
	assert.Contains(t, preds, "response_started")
	assert.Contains(t, preds, "response_final")
}

func TestSessionAskIgnoresEchoedPrompt(t *testing.T) {
	const prompt = "What is the capital of France?"
	clock := newFakeClock()
	f := &fakeSurface{clock: clock, history: []string{"Earlier answer"}, reply: func(el time.Duration) []string {
		if el < 4*time.Second {
			return []string{prompt}
		}
		return []string{prompt, "Paris is the capital of France."}
	}}
	s := NewSession("s1", f, sessionOptions(), WithClock(clock))

	ex := s.Ask(context.Background(), prompt)

	assert.Equal(t, "Paris is the capital of France.", ex.Result.Text)
	assert.Equal(t, detector.OutcomeDone, ex.Result.Outcome)
}

func TestSessionSendThenAwaitKeepsBaseline(t *testing.T) {
	clock := newFakeClock()
	f := &fakeSurface{clock: clock, reply: func(time.Duration) []string { return []string{"An instant reply"} }}
	s := NewSession("s1", f, sessionOptions(), WithClock(clock))

	s.Send(context.Background(), "Hi")
	// The whole answer renders before anyone starts waiting.
	require.NoError(t, clock.Sleep(context.Background(), 2*time.Second))

	ex := s.Await(context.Background())
	assert.Equal(t, "An instant reply", ex.Result.Text)
	assert.Equal(t, detector.OutcomeDone, ex.Result.Outcome)
}

func TestSessionShortAnswerCapturesArtifacts(t *testing.T) {
	clock := newFakeClock()
	f := &fakeSurface{clock: clock, reply: func(time.Duration) []string { return []string{"Okay"} }}
	opts := sessionOptions()
	opts.MinAcceptableLength = 20

	w := NewArtifactWriter(t.TempDir(), "run1", nil)
	s := NewSession("s1", f, opts, WithClock(clock), WithArtifacts(w))

	ex := s.Ask(context.Background(), "Hi")

	assert.Equal(t, "Okay", ex.Result.Text)
	assert.True(t, ex.Result.Suspicious)
	assert.Equal(t, 1, f.shots)
	assert.NotEmpty(t, ex.Artifacts.Screenshot)
	assert.NotEmpty(t, ex.Artifacts.HTML)
}

func TestSessionShortCaptureDisabledKeepsManualCapture(t *testing.T) {
	clock := newFakeClock()
	f := &fakeSurface{clock: clock, reply: func(time.Duration) []string { return []string{"Okay"} }}
	opts := sessionOptions()
	opts.MinAcceptableLength = 20

	w := NewArtifactWriter(t.TempDir(), "run1", nil)
	s := NewSession("s1", f, opts, WithClock(clock), WithArtifacts(w), CaptureShortAnswers(false))

	ex := s.Ask(context.Background(), "Hi")
	assert.True(t, ex.Result.Suspicious)
	assert.Zero(t, f.shots)
	assert.Empty(t, ex.Artifacts.Screenshot)

	arts := s.Capture(context.Background(), "case_en_failed")
	assert.Equal(t, 1, f.shots)
	assert.NotEmpty(t, arts.Screenshot)
}

func TestSessionTimeoutWithoutAnswer(t *testing.T) {
	clock := newFakeClock()
	f := &fakeSurface{clock: clock}
	opts := sessionOptions()
	opts.Timeout = 2 * time.Second
	s := NewSession("s1", f, opts, WithClock(clock))

	ex := s.Ask(context.Background(), "Hi")
	assert.Equal(t, "", ex.Result.Text)
	assert.Equal(t, detector.OutcomeTimedOutEmpty, ex.Result.Outcome)
}

func TestDetectorOptions(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Detector.Timeout = "40s"
	cfg.Detector.MinAcceptableLength = 12
	cfg.Detector.InterimPhrases = []string{"hang tight"}
	cfg.Chat.MessageSelectors = []string{".bot", "", ".assistant"}

	opts := DetectorOptions(cfg)

	assert.Equal(t, 40*time.Second, opts.Timeout)
	assert.Equal(t, 250*time.Millisecond, opts.PollInterval)
	assert.Equal(t, 3*time.Second, opts.StableWindow)
	assert.Equal(t, 12, opts.MinAcceptableLength)
	assert.Equal(t, 8*time.Second, opts.ExtraWaitAfterShort)
	assert.Equal(t, 15*time.Second, opts.MaxExtraWait)
	assert.Equal(t, []string{"hang tight"}, opts.InterimPhrases)
	require.Len(t, opts.Probes, 2)
	assert.Equal(t, ".bot", opts.Probes[0].Name)
	assert.Equal(t, cfg.Chat.ContainerSelector, opts.ContainerSelector)

	def := DetectorOptions(config.DefaultConfig())
	assert.Len(t, def.Probes, len(detector.DefaultSelectors))
	assert.Contains(t, def.InterimPhrases, "one moment")
}
