package main

import (
	"context"
	"fmt"

	"chatwatch/internal/browser"
	"chatwatch/internal/config"
	"chatwatch/internal/detector"
	"chatwatch/internal/mangle"

	"go.uber.org/zap"
)

// appRuntime owns the fact engine and the browser for one command.
type appRuntime struct {
	log      *zap.Logger
	engine   *mangle.Engine
	sessions *browser.SessionManager
}

func newRuntime(c config.Config, log *zap.Logger) (*appRuntime, error) {
	rt := &appRuntime{log: log}
	if c.Mangle.Enable {
		engine, err := mangle.NewEngine(c.Mangle, log.Named("mangle"))
		if err != nil {
			return nil, fmt.Errorf("failed to initialize mangle engine: %w", err)
		}
		rt.engine = engine
	}

	var sink browser.EngineSink
	if rt.engine != nil {
		sink = rt.engine
	}
	rt.sessions = browser.NewSessionManager(c.Browser, sink, log.Named("browser"))
	return rt, nil
}

// sink records facts into the engine, or nowhere when it is disabled.
func (rt *appRuntime) sink() detector.Sink {
	if rt.engine == nil {
		return nil
	}
	return rt.engine
}

func (rt *appRuntime) startBrowser(ctx context.Context) error {
	if err := rt.sessions.Start(ctx); err != nil {
		return fmt.Errorf("failed to start browser: %w", err)
	}
	rt.log.Info("browser ready", zap.String("control_url", rt.sessions.ControlURL()))
	return nil
}

func (rt *appRuntime) close() {
	if err := rt.sessions.Shutdown(context.Background()); err != nil {
		rt.log.Warn("browser shutdown failed", zap.Error(err))
	}
}
