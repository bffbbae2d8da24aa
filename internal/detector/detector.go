package detector

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"chatwatch/internal/mangle"
	"chatwatch/internal/sanitize"

	"go.uber.org/zap"
)

// Sink receives lifecycle facts for each awaited answer.
type Sink interface {
	AddFacts(ctx context.Context, facts []mangle.Fact) error
}

// Detector waits for a streamed answer on one page. A Detector holds no
// per-call state and may be reused for consecutive prompts, but not
// concurrently on the same page.
type Detector struct {
	page    Page
	opts    Options
	clock   Clock
	log     *zap.Logger
	sink    Sink
	session string
	onShort func(context.Context, Result)
}

// Option customizes a Detector.
type Option func(*Detector)

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) {
		if l != nil {
			d.log = l
		}
	}
}

// WithSink emits lifecycle facts tagged with sessionID.
func WithSink(s Sink, sessionID string) Option {
	return func(d *Detector) {
		d.sink = s
		d.session = sessionID
	}
}

// WithShortAnswerHook runs fn when an answer ends below MinAcceptableLength.
// It is used to capture debug artifacts.
func WithShortAnswerHook(fn func(context.Context, Result)) Option {
	return func(d *Detector) { d.onShort = fn }
}

// New creates a detector for page.
func New(page Page, opts Options, options ...Option) *Detector {
	d := &Detector{
		page:  page,
		opts:  opts.withDefaults(),
		clock: SystemClock{},
		log:   zap.NewNop(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Options returns the effective options after defaults were applied.
func (d *Detector) Options() Options {
	return d.opts
}

// Baseline is the page state captured before an answer is expected.
type Baseline struct {
	Count    int    `json:"count"`
	Children int    `json:"children"`
	LastText string `json:"last_text"`
	// Prompt is the text sent after the baseline was taken. A first new block
	// that only echoes it is not part of the answer.
	Prompt string `json:"prompt,omitempty"`
}

// aggregation is the state owned by one Await call.
type aggregation struct {
	base        Baseline
	startIndex  int
	started     bool
	echoSkipped bool
	startMode   StartMode
	best        string
	bestLen     int
	probe       string
	streamStart time.Time
	lastGrowth  time.Time
	firstGrowth time.Time
	extUsed     time.Duration
	extended    bool
	state       State
	polls       int
}

// Baseline reads the current message count and last message text. Call it
// before dispatching a prompt so a fast answer is not mistaken for history.
func (d *Detector) Baseline(ctx context.Context) Baseline {
	for attempt := 1; ; attempt++ {
		snap, st := d.read(ctx)
		if st == readOK {
			b := Baseline{Count: len(snap.res.Texts), Children: snap.children}
			if b.Count > 0 {
				b.LastText = strings.TrimSpace(snap.res.Texts[b.Count-1])
			}
			return b
		}
		if st == readGiveUp || attempt >= d.opts.StaleAttempts {
			d.log.Warn("baseline unavailable, assuming empty conversation", zap.Int("attempts", attempt))
			return Baseline{}
		}
		if d.clock.Sleep(ctx, d.opts.RetryDelay) != nil {
			return Baseline{}
		}
	}
}

// Await captures a baseline and waits for the next answer. It never fails: on
// timeout or cancellation it returns whatever text was observed, possibly "".
func (d *Detector) Await(ctx context.Context) Result {
	begin := d.clock.Now()
	return d.await(ctx, d.Baseline(ctx), begin)
}

// AwaitFrom waits for an answer that was not present in base.
func (d *Detector) AwaitFrom(ctx context.Context, base Baseline) Result {
	return d.await(ctx, base, d.clock.Now())
}

func (d *Detector) await(ctx context.Context, base Baseline, begin time.Time) Result {
	o := d.opts
	var deadline time.Time
	if o.Timeout > 0 {
		deadline = begin.Add(o.Timeout)
	}

	agg := &aggregation{base: base, startIndex: base.Count, state: StateNotStarted}
	d.log.Debug("awaiting response",
		zap.Int("baseline_count", base.Count),
		zap.Int("baseline_children", base.Children),
		zap.Duration("timeout", o.Timeout))

	for {
		now := d.clock.Now()
		if !deadline.IsZero() && !now.Before(deadline) {
			return d.finish(ctx, agg, begin, timeoutOutcome(agg))
		}
		if agg.started && now.Sub(agg.streamStart) > o.MaxStreamDuration {
			d.log.Warn("stream exceeded safety cap", zap.Duration("cap", o.MaxStreamDuration))
			return d.finish(ctx, agg, begin, OutcomeSafetyCap)
		}

		pause := o.PollInterval
		st, busy := d.poll(ctx, agg, now)
		switch st {
		case readGiveUp:
			return d.finish(ctx, agg, begin, OutcomeCanceled)
		case readRetry:
			pause = o.RetryDelay
		case readOK:
			if !busy && d.isStable(agg, d.clock.Now()) {
				if outcome, done := d.settle(ctx, agg, deadline); done {
					return d.finish(ctx, agg, begin, outcome)
				}
				continue
			}
		}

		if d.sleep(ctx, pause, deadline) != nil {
			return d.finish(ctx, agg, begin, OutcomeCanceled)
		}
	}
}

// poll performs one observation. A visible busy indicator skips the poll and
// is reported so the caller does not evaluate stability.
func (d *Detector) poll(ctx context.Context, agg *aggregation, now time.Time) (readStatus, bool) {
	agg.polls++

	busy, st := d.busy(ctx)
	if st != readOK || busy {
		return st, busy
	}

	snap, st := d.read(ctx)
	if st != readOK {
		return st, false
	}
	d.observe(ctx, agg, snap, now)
	if agg.started {
		d.expand(ctx, snap.res)
	}
	return readOK, false
}

type snapshot struct {
	res      Resolution
	children int
}

func (d *Detector) read(ctx context.Context) (snapshot, readStatus) {
	var snap snapshot
	policy := retryPolicy{attempts: d.opts.StaleAttempts, delay: d.opts.RetryDelay}

	st := guard(ctx, d.clock, d.log, policy, "resolve", func(ctx context.Context) error {
		res, err := Resolve(ctx, d.page, d.opts.Probes)
		snap.res = res
		return err
	})
	if st != readOK || d.opts.ContainerSelector == "" {
		return snap, st
	}

	st = guard(ctx, d.clock, d.log, policy, "child_count", func(ctx context.Context) error {
		n, err := d.page.ChildCount(ctx, d.opts.ContainerSelector)
		snap.children = n
		return err
	})
	return snap, st
}

func (d *Detector) busy(ctx context.Context) (bool, readStatus) {
	var busy bool
	policy := retryPolicy{attempts: d.opts.StaleAttempts, delay: d.opts.RetryDelay}
	st := guard(ctx, d.clock, d.log, policy, "busy", func(ctx context.Context) error {
		b, err := d.page.Busy(ctx)
		busy = b
		return err
	})
	return busy, st
}

// observe applies start-of-stream detection and the growth rule. It reports
// whether the answer grew.
func (d *Detector) observe(ctx context.Context, agg *aggregation, snap snapshot, now time.Time) bool {
	if !agg.started && !d.detectStart(ctx, agg, snap, now) {
		return false
	}

	d.skipEcho(agg, snap.res.Texts)

	combined := aggregate(snap.res.Texts, agg.startIndex)
	n := utf8.RuneCountInString(combined)
	if n <= agg.bestLen {
		return false
	}

	agg.best = combined
	agg.bestLen = n
	agg.probe = snap.res.Probe.Name
	agg.lastGrowth = now
	if agg.firstGrowth.IsZero() {
		agg.firstGrowth = now
	}
	d.emit(ctx, "response_growth", d.session, int64(n))
	return true
}

func (d *Detector) detectStart(ctx context.Context, agg *aggregation, snap snapshot, now time.Time) bool {
	texts := snap.res.Texts
	count := len(texts)

	switch {
	case count > agg.base.Count,
		d.opts.ContainerSelector != "" && snap.children > agg.base.Children:
		agg.startIndex = agg.base.Count
		agg.startMode = StartAppended
	case count > 0 && count == agg.base.Count:
		last := strings.TrimSpace(texts[count-1])
		if last == agg.base.LastText || utf8.RuneCountInString(last) < minInPlaceStartLen {
			return false
		}
		agg.startIndex = max(0, agg.base.Count-1)
		agg.startMode = StartInPlace
	default:
		return false
	}

	agg.started = true
	agg.streamStart = now
	agg.lastGrowth = now
	d.transition(ctx, agg, StateStreaming)
	d.log.Debug("response started",
		zap.String("mode", string(agg.startMode)),
		zap.Int("start_index", agg.startIndex),
		zap.Int("count", count))
	d.emit(ctx, "response_started", d.session, string(agg.startMode), int64(agg.startIndex))
	return true
}

// skipEcho moves startIndex past the user's own message when the page
// renders it in a block the probes match. Only the first new block is
// checked, and only until the answer has grown.
func (d *Detector) skipEcho(agg *aggregation, texts []string) {
	if agg.echoSkipped || agg.bestLen > 0 || agg.base.Prompt == "" || agg.startIndex >= len(texts) {
		return
	}
	if sanitize.Text(texts[agg.startIndex]) != sanitize.Text(agg.base.Prompt) {
		return
	}
	agg.echoSkipped = true
	agg.startIndex++
	d.log.Debug("skipping echoed prompt", zap.Int("start_index", agg.startIndex))
}

// aggregate joins the non-empty blocks from start with a blank line.
func aggregate(texts []string, start int) string {
	if start >= len(texts) {
		return ""
	}
	blocks := make([]string, 0, len(texts)-start)
	for _, t := range texts[start:] {
		if t = strings.TrimSpace(t); t != "" {
			blocks = append(blocks, t)
		}
	}
	return strings.Join(blocks, "\n\n")
}

func (d *Detector) isStable(agg *aggregation, now time.Time) bool {
	return agg.started && agg.bestLen > 0 && now.Sub(agg.lastGrowth) >= d.opts.StableWindow
}

// settle handles a stable candidate. It returns done=false when the answer
// resumed growing and the caller should keep streaming.
func (d *Detector) settle(ctx context.Context, agg *aggregation, deadline time.Time) (Outcome, bool) {
	d.transition(ctx, agg, StateStableCandidate)

	if err := d.waitIdle(ctx, deadline); err != nil {
		return OutcomeCanceled, true
	}
	snap, st := d.read(ctx)
	if st == readGiveUp {
		return OutcomeCanceled, true
	}
	if st == readOK && d.observe(ctx, agg, snap, d.clock.Now()) {
		d.transition(ctx, agg, StateStreaming)
		return "", false
	}

	candidate := sanitize.Text(agg.best)
	if !d.isShort(candidate) && !d.isInterim(candidate) {
		return OutcomeDone, true
	}
	return d.extend(ctx, agg, deadline, candidate)
}

// waitIdle waits up to BusyClearWait for the busy indicator to clear.
func (d *Detector) waitIdle(ctx context.Context, deadline time.Time) error {
	limit := d.clock.Now().Add(d.opts.BusyClearWait)
	if !deadline.IsZero() && deadline.Before(limit) {
		limit = deadline
	}
	for {
		busy, st := d.busy(ctx)
		if st == readGiveUp {
			return ctx.Err()
		}
		if !busy || !d.clock.Now().Before(limit) {
			return nil
		}
		if err := d.sleep(ctx, d.opts.PollInterval, limit); err != nil {
			return err
		}
	}
}

// quietPollsToStop is how many idle extension polls end a short-answer wait.
const quietPollsToStop = 2

// extend keeps polling a short or interim candidate. Growth hands control back
// to the streaming loop. Network or busy activity keeps the window open until
// its fixed end; inactivity ends it early unless the text is an interim phrase.
func (d *Detector) extend(ctx context.Context, agg *aggregation, deadline time.Time, candidate string) (Outcome, bool) {
	budget := d.opts.extensionBudget() - agg.extUsed
	if budget <= 0 {
		if agg.extended {
			return OutcomeDoneAfterExtension, true
		}
		return OutcomeDone, true
	}

	d.transition(ctx, agg, StateExtending)
	agg.extended = true
	interim := d.isInterim(candidate)
	start := d.clock.Now()
	end := start.Add(budget)
	if !deadline.IsZero() && deadline.Before(end) {
		end = deadline
	}
	d.log.Debug("extending short answer",
		zap.Int("length", utf8.RuneCountInString(candidate)),
		zap.Bool("interim", interim),
		zap.Duration("budget", end.Sub(start)))

	prevNet := d.page.NetworkActivity(ctx)
	quiet := 0
	defer func() { agg.extUsed += d.clock.Now().Sub(start) }()

	for d.clock.Now().Before(end) {
		if err := d.sleep(ctx, d.opts.PollInterval, end); err != nil {
			return OutcomeCanceled, true
		}
		agg.polls++

		busy, st := d.busy(ctx)
		if st == readGiveUp {
			return OutcomeCanceled, true
		}
		net := d.page.NetworkActivity(ctx)
		snap, st := d.read(ctx)
		if st == readGiveUp {
			return OutcomeCanceled, true
		}
		if st == readOK && d.observe(ctx, agg, snap, d.clock.Now()) {
			d.transition(ctx, agg, StateStreaming)
			return "", false
		}

		active := busy || (net >= 0 && prevNet >= 0 && net > prevNet)
		prevNet = net
		if active || interim {
			quiet = 0
			continue
		}
		if quiet++; quiet >= quietPollsToStop {
			d.log.Debug("no activity during extension, accepting short answer")
			break
		}
	}

	if !deadline.IsZero() && !d.clock.Now().Before(deadline) {
		return timeoutOutcome(agg), true
	}
	return OutcomeDoneAfterExtension, true
}

func (d *Detector) isShort(candidate string) bool {
	return d.opts.MinAcceptableLength > 0 && utf8.RuneCountInString(candidate) < d.opts.MinAcceptableLength
}

func (d *Detector) isInterim(candidate string) bool {
	lower := strings.ToLower(candidate)
	for _, phrase := range d.opts.InterimPhrases {
		if phrase != "" && strings.Contains(lower, strings.ToLower(phrase)) {
			return true
		}
	}
	return false
}

func (d *Detector) expand(ctx context.Context, res Resolution) {
	ex, ok := d.page.(Expander)
	if !ok || res.Probe.Selector == "" || !res.Matched() {
		return
	}
	if err := ex.ExpandLatest(ctx, res.Probe.Selector); err != nil {
		d.log.Debug("expand latest block failed", zap.Error(err))
	}
}

// sleep pauses for d, cut short at until when it is set.
func (d *Detector) sleep(ctx context.Context, dur time.Duration, until time.Time) error {
	if !until.IsZero() {
		if left := until.Sub(d.clock.Now()); left < dur {
			dur = left
		}
	}
	return d.clock.Sleep(ctx, dur)
}

func timeoutOutcome(agg *aggregation) Outcome {
	if agg.bestLen == 0 {
		return OutcomeTimedOutEmpty
	}
	return OutcomeTimedOutPartial
}

func (d *Detector) finish(ctx context.Context, agg *aggregation, begin time.Time, outcome Outcome) Result {
	// Facts and hooks still run after the caller gave up.
	ctx = context.WithoutCancel(ctx)

	switch outcome {
	case OutcomeTimedOutEmpty:
		d.transition(ctx, agg, StateTimedOutEmpty)
	case OutcomeTimedOutPartial:
		d.transition(ctx, agg, StateTimedOutPartial)
	case OutcomeCanceled:
	default:
		d.transition(ctx, agg, StateDone)
	}

	text := sanitize.Text(agg.best)
	res := Result{
		Text:          text,
		Raw:           agg.best,
		Outcome:       outcome,
		State:         agg.state,
		StartMode:     agg.startMode,
		Probe:         agg.probe,
		StartedAt:     begin,
		FirstGrowthAt: agg.firstGrowth,
		LastGrowthAt:  agg.lastGrowth,
		FinishedAt:    d.clock.Now(),
		Polls:         agg.polls,
		Extended:      agg.extended,
	}
	if outcome != OutcomeCanceled && d.isShort(text) {
		res.Suspicious = true
	}

	d.log.Info("response finished",
		zap.String("outcome", string(outcome)),
		zap.Int("length", utf8.RuneCountInString(text)),
		zap.Duration("elapsed", res.Elapsed()),
		zap.Int("polls", res.Polls),
		zap.String("probe", res.Probe))
	d.emit(ctx, "response_final", d.session, string(outcome), int64(utf8.RuneCountInString(text)), res.Elapsed().Milliseconds())

	if res.Suspicious && d.onShort != nil {
		d.onShort(ctx, res)
	}
	return res
}

func (d *Detector) transition(ctx context.Context, agg *aggregation, next State) {
	if agg.state == next {
		return
	}
	d.log.Debug("state change", zap.Stringer("from", agg.state), zap.Stringer("to", next))
	agg.state = next
	d.emit(ctx, "response_state", d.session, next.String())
}

func (d *Detector) emit(ctx context.Context, predicate string, args ...interface{}) {
	if d.sink == nil {
		return
	}
	fact := mangle.Fact{Predicate: predicate, Args: args, Timestamp: d.clock.Now()}
	if err := d.sink.AddFacts(ctx, []mangle.Fact{fact}); err != nil {
		d.log.Debug("record fact failed", zap.String("predicate", predicate), zap.Error(err))
	}
}
