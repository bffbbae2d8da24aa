package detector

import (
	"context"
	"strings"
	"time"
)

// WaitTextStable polls the first element matching selector until its text
// stays unchanged for period, and returns it. On timeout it returns the last
// text observed, or "" if nothing was. Read errors count as empty text.
func WaitTextStable(ctx context.Context, p Page, clk Clock, selector string, period, poll, timeout time.Duration) string {
	if clk == nil {
		clk = SystemClock{}
	}
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	end := clk.Now().Add(timeout)

	var last string
	var seen bool
	var stableSince time.Time

	for clk.Now().Before(end) {
		text := ""
		if texts, err := p.Query(ctx, selector); err == nil && len(texts) > 0 {
			text = strings.TrimSpace(texts[0])
		}

		now := clk.Now()
		switch {
		case seen && text == last:
			if stableSince.IsZero() {
				stableSince = now
			} else if now.Sub(stableSince) >= period {
				return text
			}
		default:
			last, seen = text, true
			stableSince = time.Time{}
		}

		if err := clk.Sleep(ctx, poll); err != nil {
			break
		}
	}
	return last
}
