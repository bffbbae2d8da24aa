// Package detector decides when a streamed chat answer has finished rendering.
//
// The page gives no completion event, so the detector polls an observation
// port, aggregates the assistant blocks that appeared after a baseline and
// waits for the text to stop growing.
package detector

import (
	"context"
	"errors"
)

// ErrStale marks a transient observation fault, typically an element that was
// detached from the document between lookup and read. Implementations of Page
// wrap it so the detector can retry instead of logging.
var ErrStale = errors.New("stale element")

// Page is the read-only view of the chat UI the detector polls.
type Page interface {
	// Query returns the visible text of every element matching selector, in
	// document order. No match is an empty slice and a nil error.
	Query(ctx context.Context, selector string) ([]string, error)
	// ChildCount returns the number of direct children of the first element
	// matching selector, or 0 when nothing matches.
	ChildCount(ctx context.Context, selector string) (int, error)
	// Busy reports whether a typing or loading indicator is visible.
	Busy(ctx context.Context) (bool, error)
	// NetworkActivity returns a monotonically increasing request counter, or
	// -1 when the page cannot observe network traffic.
	NetworkActivity(ctx context.Context) int64
}

// Expander is implemented by pages that can open collapsed "read more"
// controls inside the newest assistant block.
type Expander interface {
	ExpandLatest(ctx context.Context, selector string) error
}
