package detector

import "time"

// Options configures a single Await call. A zero PollInterval, StableWindow,
// RetryDelay, StaleAttempts or Probes falls back to DefaultOptions, and
// BusyClearWait falls back to its 3s cap. Other zero values are kept as given:
// no Timeout, no length check, no extension window.
type Options struct {
	// Timeout bounds the whole wait. Zero or negative disables it, leaving the
	// streaming cap as the only bound once an answer has started.
	Timeout      time.Duration
	PollInterval time.Duration
	// StableWindow is how long the text must stop growing before it is a
	// completion candidate.
	StableWindow time.Duration
	// BusyClearWait bounds how long a stable candidate waits for the typing
	// indicator to disappear. Capped at 3s.
	BusyClearWait time.Duration

	// MinAcceptableLength marks candidates with fewer runes as short. Zero
	// disables the length check.
	MinAcceptableLength int
	ExtraWaitAfterShort time.Duration
	MaxExtraWait        time.Duration
	// InterimPhrases are lowercase fragments of filler messages ("one
	// moment", "let me check") that precede the real answer.
	InterimPhrases []string

	// MaxStreamDuration force-returns a stream that never stabilizes. The
	// effective cap is never below 90s or Timeout.
	MaxStreamDuration time.Duration

	// RetryDelay is the pause after a failed poll.
	RetryDelay time.Duration
	// StaleAttempts is how many times a stale read is repeated within a poll.
	StaleAttempts int

	// Probes locate assistant blocks. Defaults to DefaultSelectors.
	Probes []Probe
	// ContainerSelector names the conversation container whose child count
	// signals a newly appended block. Empty disables the check.
	ContainerSelector string
}

const (
	minStreamCap       = 90 * time.Second
	maxBusyClearWait   = 3 * time.Second
	minInPlaceStartLen = 5
)

// EnglishInterimPhrases are filler messages seen before real answers.
var EnglishInterimPhrases = []string{
	"one moment",
	"just a moment",
	"let me check",
	"let me look",
	"let me find",
	"please wait",
	"thinking",
	"searching",
	"looking that up",
	"give me a second",
	"hold on",
	"working on it",
}

// ArabicInterimPhrases is a starting set for Arabic deployments and is known
// to be incomplete.
var ArabicInterimPhrases = []string{
	"لحظة",
	"لحظة من فضلك",
	"دعني أتحقق",
	"جاري البحث",
	"يرجى الانتظار",
}

// DefaultOptions returns production defaults.
func DefaultOptions() Options {
	phrases := make([]string, 0, len(EnglishInterimPhrases)+len(ArabicInterimPhrases))
	phrases = append(phrases, EnglishInterimPhrases...)
	phrases = append(phrases, ArabicInterimPhrases...)
	return Options{
		Timeout:             60 * time.Second,
		PollInterval:        250 * time.Millisecond,
		StableWindow:        3 * time.Second,
		BusyClearWait:       3 * time.Second,
		MinAcceptableLength: 0,
		ExtraWaitAfterShort: 8 * time.Second,
		MaxExtraWait:        15 * time.Second,
		InterimPhrases:      phrases,
		MaxStreamDuration:   minStreamCap,
		RetryDelay:          300 * time.Millisecond,
		StaleAttempts:       3,
		Probes:              SelectorProbes(DefaultSelectors),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.PollInterval <= 0 {
		o.PollInterval = def.PollInterval
	}
	if o.StableWindow <= 0 {
		o.StableWindow = def.StableWindow
	}
	if o.BusyClearWait <= 0 || o.BusyClearWait > maxBusyClearWait {
		o.BusyClearWait = maxBusyClearWait
	}
	if o.MinAcceptableLength < 0 {
		o.MinAcceptableLength = 0
	}
	if o.ExtraWaitAfterShort < 0 {
		o.ExtraWaitAfterShort = 0
	}
	if o.MaxExtraWait < 0 {
		o.MaxExtraWait = 0
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = def.RetryDelay
	}
	if o.StaleAttempts <= 0 {
		o.StaleAttempts = def.StaleAttempts
	}
	if len(o.Probes) == 0 {
		o.Probes = def.Probes
	}
	o.MaxStreamDuration = o.streamCap()
	return o
}

// streamCap is max(MaxStreamDuration, 90s, Timeout).
func (o Options) streamCap() time.Duration {
	limit := o.MaxStreamDuration
	if limit < minStreamCap {
		limit = minStreamCap
	}
	if o.Timeout > limit {
		limit = o.Timeout
	}
	return limit
}

// extensionBudget is min(MaxExtraWait, ExtraWaitAfterShort).
func (o Options) extensionBudget() time.Duration {
	if o.MaxExtraWait < o.ExtraWaitAfterShort {
		return o.MaxExtraWait
	}
	return o.ExtraWaitAfterShort
}
