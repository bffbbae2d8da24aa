package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatwatch/internal/config"

	"go.uber.org/zap"
)

// LoginSurface is the subset of page interactions the login flow needs.
type LoginSurface interface {
	URL(ctx context.Context) (string, error)
	ClickText(ctx context.Context, text string, timeout time.Duration) error
	Fill(ctx context.Context, selector, value string, timeout time.Duration) error
}

// revealTimeout bounds the wait for the optional "log in with email" button.
const revealTimeout = 5 * time.Second

// Login runs the email/password flow. It is a no-op when login is disabled or
// the page already shows the authenticated URL.
func Login(ctx context.Context, s LoginSurface, cfg config.LoginConfig, logger *zap.Logger) error {
	if !cfg.Enabled {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Email == "" || cfg.Password == "" {
		return errors.New("login credentials are not configured")
	}
	timeout := cfg.GetTimeout()

	if authenticated(ctx, s, cfg) {
		logger.Info("already logged in, skipping login")
		return nil
	}

	if cfg.EmailButtonText != "" {
		if err := s.ClickText(ctx, cfg.EmailButtonText, min(revealTimeout, timeout)); err != nil {
			logger.Debug("email login button not found, continuing", zap.String("text", cfg.EmailButtonText), zap.Error(err))
		}
	}

	if err := s.Fill(ctx, cfg.EmailSelector, cfg.Email, timeout); err != nil {
		return fmt.Errorf("fill email: %w", err)
	}
	if err := s.Fill(ctx, cfg.PasswordSelector, cfg.Password, timeout); err != nil {
		return fmt.Errorf("fill password: %w", err)
	}
	if err := s.ClickText(ctx, cfg.SubmitText, timeout); err != nil {
		return fmt.Errorf("submit login: %w", err)
	}
	logger.Info("login submitted")

	if cfg.AuthenticatedURL == "" {
		return nil
	}
	deadline := time.Now().Add(timeout)
	for !authenticated(ctx, s, cfg) {
		if time.Now().After(deadline) {
			return fmt.Errorf("login did not reach %q within %s", cfg.AuthenticatedURL, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}

func authenticated(ctx context.Context, s LoginSurface, cfg config.LoginConfig) bool {
	if cfg.AuthenticatedURL == "" {
		return false
	}
	url, err := s.URL(ctx)
	return err == nil && strings.Contains(url, cfg.AuthenticatedURL)
}
