package chat

import (
	"context"
	"testing"
	"time"

	"chatwatch/internal/config"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestSettleHistoryWaitsForStableText(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	f := &fakeSurface{clock: clock, history: []string{"Earlier answer"}}

	text := settleHistory(context.Background(), f, clock, config.DefaultConfig(), zap.NewNop())

	assert.Equal(t, "Earlier answer", text)
	waited := clock.Now().Sub(start)
	assert.GreaterOrEqual(t, waited, historySettlePeriod)
	assert.Less(t, waited, historySettleTimeout)
}

func TestSettleHistorySkippedWithoutContainer(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	cfg := config.DefaultConfig()
	cfg.Chat.ContainerSelector = ""

	text := settleHistory(context.Background(), &fakeSurface{clock: clock}, clock, cfg, zap.NewNop())

	assert.Empty(t, text)
	assert.Equal(t, time.Duration(0), clock.Now().Sub(start))
}
