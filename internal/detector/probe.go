package detector

import (
	"context"
	"errors"
	"fmt"
)

// Probe is one strategy for locating assistant message blocks.
type Probe struct {
	Name string
	// Selector is the CSS selector the probe queries, if any. Expanders use it
	// to find the newest block.
	Selector string
	Find     func(ctx context.Context, p Page) ([]string, error)
}

// SelectorProbe builds a probe that returns the texts of elements matching css.
func SelectorProbe(css string) Probe {
	return Probe{
		Name:     css,
		Selector: css,
		Find: func(ctx context.Context, p Page) ([]string, error) {
			return p.Query(ctx, css)
		},
	}
}

// DefaultSelectors lists assistant-message selectors from most to least specific.
var DefaultSelectors = []string{
	"div[data-testid='assistant-message']",
	"div.message.ai-response",
	"div[class*='assistant'] p",
	"div[role='log'] div.message",
	".chat-message.bot, .chat-message.ai",
	"div[class*='message']",
	"p[data-testid*='message']",
}

// SelectorProbes converts a selector list into probes, preserving order.
func SelectorProbes(selectors []string) []Probe {
	probes := make([]Probe, 0, len(selectors))
	for _, s := range selectors {
		if s == "" {
			continue
		}
		probes = append(probes, SelectorProbe(s))
	}
	return probes
}

// Resolution is the outcome of one pass over the probe list.
type Resolution struct {
	Probe Probe
	Texts []string
}

// Matched reports whether any probe returned elements.
func (r Resolution) Matched() bool {
	return len(r.Texts) > 0
}

// Resolve tries probes in order and returns the first non-empty match. Later
// probes are not attempted once one matches. A failing probe falls through to
// the next one. The error is non-nil only when every probe failed, and it wraps
// ErrStale when all failures were stale.
func Resolve(ctx context.Context, p Page, probes []Probe) (Resolution, error) {
	var errs []error
	allStale := true

	for _, probe := range probes {
		if err := ctx.Err(); err != nil {
			return Resolution{}, err
		}
		texts, err := probe.Find(ctx, p)
		if err != nil {
			errs = append(errs, fmt.Errorf("probe %q: %w", probe.Name, err))
			if !errors.Is(err, ErrStale) {
				allStale = false
			}
			continue
		}
		if len(texts) > 0 {
			return Resolution{Probe: probe, Texts: texts}, nil
		}
	}

	if len(probes) > 0 && len(errs) == len(probes) {
		err := errors.Join(errs...)
		if allStale {
			return Resolution{}, fmt.Errorf("%w: %w", ErrStale, err)
		}
		return Resolution{}, err
	}
	return Resolution{}, nil
}
