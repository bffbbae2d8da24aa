package chat

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"go.uber.org/zap"
)

// Capturer produces debug snapshots of the page.
type Capturer interface {
	Screenshot(ctx context.Context) ([]byte, error)
	HTML(ctx context.Context) (string, error)
}

// Artifacts are the files written for one capture. Empty paths were not written.
type Artifacts struct {
	Screenshot string `json:"screenshot,omitempty"`
	HTML       string `json:"html,omitempty"`
}

// ArtifactWriter stores screenshots and page sources for offline diagnosis.
// Write failures are logged and swallowed.
type ArtifactWriter struct {
	dir   string
	runID string
	log   *zap.Logger
	now   func() time.Time
}

func NewArtifactWriter(dir, runID string, logger *zap.Logger) *ArtifactWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ArtifactWriter{dir: dir, runID: runID, log: logger, now: time.Now}
}

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Capture writes <run>_<label>_<timestamp>.png and .html into the directory.
func (w *ArtifactWriter) Capture(ctx context.Context, c Capturer, label string) Artifacts {
	var out Artifacts
	if w == nil || c == nil {
		return out
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		w.log.Warn("artifact dir unavailable", zap.String("dir", w.dir), zap.Error(err))
		return out
	}

	label = unsafeLabel.ReplaceAllString(label, "-")
	base := filepath.Join(w.dir, fmt.Sprintf("%s_%s_%s", w.runID, label, w.now().Format("20060102-150405.000")))

	if png, err := c.Screenshot(ctx); err != nil {
		w.log.Warn("screenshot failed", zap.String("label", label), zap.Error(err))
	} else if err := os.WriteFile(base+".png", png, 0o644); err != nil {
		w.log.Warn("write screenshot failed", zap.Error(err))
	} else {
		out.Screenshot = base + ".png"
	}

	if html, err := c.HTML(ctx); err != nil {
		w.log.Warn("page source failed", zap.String("label", label), zap.Error(err))
	} else if err := os.WriteFile(base+".html", []byte(html), 0o644); err != nil {
		w.log.Warn("write page source failed", zap.Error(err))
	} else {
		out.HTML = base + ".html"
	}

	if out.Screenshot != "" || out.HTML != "" {
		w.log.Info("debug artifacts saved", zap.String("screenshot", out.Screenshot), zap.String("html", out.HTML))
	}
	return out
}
