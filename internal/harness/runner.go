package harness

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"chatwatch/internal/chat"
	"chatwatch/internal/detector"
	"chatwatch/internal/mangle"
	"chatwatch/internal/metrics"
	"chatwatch/internal/recorder"
	"chatwatch/internal/validate"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Asker is the chat session a runner drives.
type Asker interface {
	Ask(ctx context.Context, prompt string) chat.Exchange
	Capture(ctx context.Context, label string) chat.Artifacts
}

// DirectionReader reports the layout direction of the conversation.
type DirectionReader interface {
	Direction(ctx context.Context) (string, error)
}

// Checker scores an answer against its expected text.
type Checker interface {
	Check(ctx context.Context, lang, expected, actual string) validate.Verdict
}

// EventLog receives run events.
type EventLog interface {
	Log(eventType, sessionID string, data any)
}

// FactSource evaluates derived facts once a run is over.
type FactSource interface {
	Evaluate(ctx context.Context, predicate string) ([]mangle.Fact, error)
}

// DerivedPredicates are the rules summarized in a report.
var DerivedPredicates = []string{"answered", "empty_answer", "truncated_answer", "extended_answer", "slow_answer"}

// TurnResult is the checked outcome of one prompt.
type TurnResult struct {
	Case      string            `json:"case"`
	Language  string            `json:"language"`
	Prompt    string            `json:"prompt"`
	Response  string            `json:"response"`
	Outcome   detector.Outcome  `json:"outcome"`
	Elapsed   time.Duration     `json:"elapsed"`
	Latency   time.Duration     `json:"latency"`
	TTFT      time.Duration     `json:"ttft"`
	Verdict   *validate.Verdict `json:"verdict,omitempty"`
	Direction string            `json:"direction,omitempty"`
	Failures  []string          `json:"failures,omitempty"`
	Artifacts chat.Artifacts    `json:"artifacts,omitempty"`
}

// Passed reports whether every check of the turn held.
func (t TurnResult) Passed() bool { return len(t.Failures) == 0 }

// Report summarizes a run.
type Report struct {
	RunID      string         `json:"run_id"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Turns      []TurnResult   `json:"turns"`
	Passed     int            `json:"passed"`
	Failed     int            `json:"failed"`
	Derived    map[string]int `json:"derived,omitempty"`
	// Aborted is set when the context ended before every case ran.
	Aborted bool `json:"aborted,omitempty"`
}

// OK reports whether the run completed with no failed turn.
func (r Report) OK() bool { return r.Failed == 0 && !r.Aborted && len(r.Turns) > 0 }

// Runner executes cases one turn at a time on a single session.
type Runner struct {
	session   Asker
	sessionID string
	runID     string

	setup           func(context.Context) error
	direction       DirectionReader
	checker         Checker
	events          EventLog
	facts           FactSource
	captureFailures bool
	log             *zap.Logger
	now             func() time.Time
}

// RunnerOption customizes NewRunner.
type RunnerOption func(*Runner)

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) RunnerOption { return func(r *Runner) { r.runID = id } }

// WithSetup runs fn once before the first case, e.g. to log in.
func WithSetup(fn func(context.Context) error) RunnerOption {
	return func(r *Runner) { r.setup = fn }
}

// WithDirection enables the right-to-left check for Arabic turns.
func WithDirection(d DirectionReader) RunnerOption { return func(r *Runner) { r.direction = d } }

// WithChecker enables similarity scoring.
func WithChecker(c Checker) RunnerOption { return func(r *Runner) { r.checker = c } }

// WithEvents records run events, usually into a recorder.Recorder.
func WithEvents(l EventLog) RunnerOption { return func(r *Runner) { r.events = l } }

// WithDerivedFacts summarizes derived rules into the report.
func WithDerivedFacts(f FactSource) RunnerOption { return func(r *Runner) { r.facts = f } }

// CaptureFailures writes debug artifacts for failed turns.
func CaptureFailures(on bool) RunnerOption { return func(r *Runner) { r.captureFailures = on } }

func WithRunnerLogger(l *zap.Logger) RunnerOption { return func(r *Runner) { r.log = l } }

// NewRunner builds a runner over session. sessionID labels recorded events.
func NewRunner(session Asker, sessionID string, options ...RunnerOption) *Runner {
	r := &Runner{
		session:   session,
		sessionID: sessionID,
		log:       zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range options {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	r.log = r.log.Named("harness").With(zap.String("run", r.runID))
	return r
}

// RunID identifies the run in logs, artifacts and events.
func (r *Runner) RunID() string { return r.runID }

// Run executes every case in order. Only a setup failure is returned as an
// error; check failures are reported per turn.
func (r *Runner) Run(ctx context.Context, cases []Case) (Report, error) {
	rep := Report{RunID: r.runID, StartedAt: r.now()}
	r.record(recorder.EventRunStarted, map[string]any{"cases": len(cases)})

	if r.setup != nil {
		if err := r.setup(ctx); err != nil {
			rep.FinishedAt = r.now()
			rep.Aborted = true
			r.record(recorder.EventRunFinished, map[string]any{"error": err.Error()})
			return rep, fmt.Errorf("run setup: %w", err)
		}
	}

	for _, c := range cases {
		casePassed := true
		for _, p := range c.Prompts() {
			if ctx.Err() != nil {
				rep.Aborted = true
				break
			}
			turn := r.runTurn(ctx, c, p)
			rep.Turns = append(rep.Turns, turn)
			if turn.Passed() {
				rep.Passed++
			} else {
				rep.Failed++
				casePassed = false
			}
		}
		if rep.Aborted {
			break
		}
		r.record(recorder.EventCaseResult, map[string]any{"case": c.Name, "passed": casePassed})
	}

	rep.Derived = r.derived(ctx)
	rep.FinishedAt = r.now()
	r.record(recorder.EventRunFinished, map[string]any{
		"passed":  rep.Passed,
		"failed":  rep.Failed,
		"aborted": rep.Aborted,
		"derived": rep.Derived,
	})
	r.log.Info("run finished",
		zap.Int("passed", rep.Passed),
		zap.Int("failed", rep.Failed),
		zap.Bool("aborted", rep.Aborted))
	return rep, nil
}

func (r *Runner) runTurn(ctx context.Context, c Case, p Prompt) TurnResult {
	log := r.log.With(zap.String("case", c.Name), zap.String("language", p.Language))
	ex := r.session.Ask(ctx, p.Text)
	res := ex.Result

	turn := TurnResult{
		Case:      c.Name,
		Language:  p.Language,
		Prompt:    p.Text,
		Response:  res.Text,
		Outcome:   res.Outcome,
		Elapsed:   res.Elapsed(),
		Latency:   ex.Latency(),
		TTFT:      res.TimeToFirstToken(),
		Artifacts: ex.Artifacts,
	}

	if !ex.Dispatch.Delivered() {
		turn.Failures = append(turn.Failures, "prompt not delivered: "+ex.Dispatch.Err)
	}
	switch res.Outcome {
	case detector.OutcomeTimedOutEmpty:
		turn.Failures = append(turn.Failures, "no response")
	case detector.OutcomeCanceled:
		turn.Failures = append(turn.Failures, "canceled")
	}

	lower := strings.ToLower(res.Text)
	for _, banned := range c.MustNotContain {
		if banned != "" && strings.Contains(lower, strings.ToLower(banned)) {
			turn.Failures = append(turn.Failures, fmt.Sprintf("response contains %q", banned))
		}
	}

	if c.ExpectDirection && p.Language == LangAR && r.direction != nil {
		dir, err := r.direction.Direction(ctx)
		switch {
		case err != nil:
			turn.Failures = append(turn.Failures, "read direction: "+err.Error())
		case dir != "rtl":
			turn.Failures = append(turn.Failures, fmt.Sprintf("layout direction is %q, want rtl", dir))
		}
		turn.Direction = dir
	}

	scored := false
	if r.checker != nil && p.Expected != "" && res.Text != "" {
		v := r.checker.Check(ctx, p.Language, p.Expected, res.Text)
		turn.Verdict = &v
		scored = v.Err == ""
		if v.Err != "" {
			turn.Failures = append(turn.Failures, "similarity check: "+v.Err)
		} else if !v.Passed {
			turn.Failures = append(turn.Failures, fmt.Sprintf("similarity %.3f below threshold %.2f", v.Score, v.Threshold))
		}
	}

	if !turn.Passed() && r.captureFailures {
		turn.Artifacts = r.session.Capture(ctx, failureLabel(c.Name, p.Language))
	}

	var score float64
	if turn.Verdict != nil {
		score = turn.Verdict.Score
	}
	metrics.ObserveCase(p.Language, turn.Passed(), score, scored)

	r.record(recorder.EventTurn, recorder.Turn{
		Case:       c.Name,
		Language:   p.Language,
		Prompt:     p.Text,
		Response:   res.Text,
		Outcome:    string(res.Outcome),
		ElapsedMs:  turn.Elapsed.Milliseconds(),
		TTFTMs:     turn.TTFT.Milliseconds(),
		Similarity: score,
		Passed:     turn.Passed(),
		Error:      strings.Join(turn.Failures, "; "),
	})

	if turn.Passed() {
		log.Info("turn passed", zap.String("outcome", string(res.Outcome)), zap.Duration("elapsed", turn.Elapsed))
	} else {
		log.Warn("turn failed", zap.Strings("failures", turn.Failures), zap.String("outcome", string(res.Outcome)))
	}
	return turn
}

func (r *Runner) derived(ctx context.Context) map[string]int {
	if r.facts == nil {
		return nil
	}
	out := make(map[string]int, len(DerivedPredicates))
	for _, pred := range DerivedPredicates {
		facts, err := r.facts.Evaluate(ctx, pred)
		if err != nil {
			r.log.Debug("derived facts unavailable", zap.String("predicate", pred), zap.Error(err))
			return nil
		}
		out[pred] = len(facts)
	}
	return out
}

func (r *Runner) record(eventType string, data any) {
	if r.events != nil {
		r.events.Log(eventType, r.sessionID, data)
	}
}

var labelSpace = regexp.MustCompile(`\s+`)

func failureLabel(name, lang string) string {
	return labelSpace.ReplaceAllString(name, "-") + "_" + lang + "_failed"
}
