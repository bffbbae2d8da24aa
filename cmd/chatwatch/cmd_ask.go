package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"chatwatch/internal/chat"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	askURL  string
	askJSON bool
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Send one prompt and print the complete answer",
	Args:  cobra.MinimumNArgs(1),
	RunE:  askOnce,
}

func init() {
	askCmd.Flags().StringVar(&askURL, "url", "", "Chat URL (default: chat.url)")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the exchange as JSON")
}

func askOnce(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.startBrowser(ctx); err != nil {
		return err
	}

	opened, err := chat.Open(ctx, rt.sessions, cfg, askURL, rt.sink(), "ask", logger)
	if err != nil {
		return err
	}
	if err := chat.Login(ctx, opened.Page, cfg.Login, logger); err != nil {
		return err
	}

	ex := opened.Session.Ask(ctx, strings.Join(args, " "))
	logger.Info("answer received",
		zap.String("outcome", string(ex.Result.Outcome)),
		zap.Duration("elapsed", ex.Result.Elapsed()),
		zap.Duration("latency", ex.Latency()))

	if askJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(ex)
	}
	if !ex.Dispatch.Delivered() {
		return fmt.Errorf("prompt not delivered: %s", ex.Dispatch.Err)
	}
	if ex.Result.Text == "" {
		return fmt.Errorf("no response (%s)", ex.Result.Outcome)
	}
	fmt.Println(ex.Result.Text)
	return nil
}
