package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chatwatch/internal/browser"
	"chatwatch/internal/config"
	"chatwatch/internal/detector"

	"go.uber.org/zap"
)

const (
	historySettlePeriod  = time.Second
	historySettleTimeout = 5 * time.Second
)

// Opened is a chat session running on its own browser tab.
type Opened struct {
	Session   *Session
	Page      *ChatPage
	Artifacts *ArtifactWriter
	Browser   browser.Session
}

// Open creates a browser session on cfg.Chat.URL (or url when set), waits
// for the chat input and wires a Session to it. sink may be nil. The tab is
// closed again when the chat never becomes ready.
func Open(ctx context.Context, sessions *browser.SessionManager, cfg config.Config, url string, sink detector.Sink, runID string, logger *zap.Logger) (*Opened, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if url == "" {
		url = cfg.Chat.URL
	}
	if url == "" {
		return nil, errors.New("chat url is not configured")
	}

	meta, err := sessions.CreateSession(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	id := meta.ID
	page, ok := sessions.Page(id)
	if !ok {
		return nil, fmt.Errorf("open chat: session %s has no page", id)
	}

	var network func() int64
	if cfg.Browser.IsTrackingNetwork() {
		network = func() int64 { return sessions.NetworkActivity(id) }
	}
	cp := NewChatPage(page, cfg.Chat, network)
	if err := cp.Ready(ctx); err != nil {
		_ = sessions.CloseSession(id)
		return nil, err
	}

	settleHistory(ctx, cp, detector.SystemClock{}, cfg, logger)

	writer := NewArtifactWriter(cfg.Artifacts.Dir, runID, logger)
	options := []SessionOption{
		WithLogger(logger),
		WithArtifacts(writer),
		CaptureShortAnswers(cfg.Artifacts.OnShortAnswer),
	}
	if sink != nil {
		options = append(options, WithFacts(sink))
	}

	logger.Info("chat ready", zap.String("session", id), zap.String("url", url))
	return &Opened{
		Session:   NewSession(id, cp, DetectorOptions(cfg), options...),
		Page:      cp,
		Artifacts: writer,
		Browser:   *meta,
	}, nil
}

// settleHistory waits for restored conversation history to stop rendering so
// the first baseline does not count it as a new answer.
func settleHistory(ctx context.Context, p detector.Page, clk detector.Clock, cfg config.Config, logger *zap.Logger) string {
	sel := cfg.Chat.ContainerSelector
	if sel == "" {
		return ""
	}
	text := detector.WaitTextStable(ctx, p, clk, sel, historySettlePeriod, cfg.Detector.GetPollInterval(), historySettleTimeout)
	logger.Debug("conversation settled", zap.Int("length", len([]rune(text))))
	return text
}
