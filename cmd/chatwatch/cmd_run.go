package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"chatwatch/internal/chat"
	"chatwatch/internal/config"
	"chatwatch/internal/harness"
	"chatwatch/internal/recorder"
	"chatwatch/internal/validate"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	runJSON       bool
	runNoValidate bool
)

var runCmd = &cobra.Command{
	Use:   "run [suite.yaml]",
	Short: "Run a suite of prompts and check every answer",
	Long: `Opens the chat, logs in when enabled and sends every case of the suite.
Each answer is checked for delivery, completion, forbidden substrings, layout
direction (Arabic cases) and, when validation is enabled, semantic similarity.

Without an argument the workspace suite .chatwatch/suites/smoke.yaml is used.
Exits non-zero when any turn fails.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSuite,
}

func init() {
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the report as JSON")
	runCmd.Flags().BoolVar(&runNoValidate, "no-validate", false, "Skip similarity scoring even when validation is enabled")
}

func suitePath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	if wsDir == "" {
		return "", fmt.Errorf("no suite given and no workspace found (run chatwatch init)")
	}
	return filepath.Join(wsDir, config.WorkspaceDirName, "suites", "smoke.yaml"), nil
}

func runSuite(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	path, err := suitePath(args)
	if err != nil {
		return err
	}
	cases, err := harness.LoadCases(path)
	if err != nil {
		return err
	}

	var checker harness.Checker
	if cfg.Validation.Enabled && !runNoValidate {
		emb, err := validate.NewOpenAIEmbedder(cfg.Validation)
		if err != nil {
			return fmt.Errorf("validation: %w", err)
		}
		checker = validate.NewScorer(emb, cfg.Validation, logger)
	}

	runID := uuid.NewString()
	rec, err := recorder.NewRecorder(cfg.Report.Dir, cfg.Report.MaxRuns)
	if err != nil {
		return fmt.Errorf("run log: %w", err)
	}
	defer rec.Close()
	logPath, err := rec.Start(runID)
	if err != nil {
		return fmt.Errorf("run log: %w", err)
	}

	rt, err := newRuntime(cfg, logger)
	if err != nil {
		return err
	}
	defer rt.close()
	if err := rt.startBrowser(ctx); err != nil {
		return err
	}

	opened, err := chat.Open(ctx, rt.sessions, cfg, "", rt.sink(), runID, logger)
	if err != nil {
		return err
	}

	options := []harness.RunnerOption{
		harness.WithRunID(runID),
		harness.WithRunnerLogger(logger),
		harness.WithEvents(rec),
		harness.WithDirection(opened.Page),
		harness.CaptureFailures(cfg.Artifacts.OnFailure),
		harness.WithSetup(func(ctx context.Context) error {
			return chat.Login(ctx, opened.Page, cfg.Login, logger)
		}),
	}
	if checker != nil {
		options = append(options, harness.WithChecker(checker))
	}
	if rt.engine != nil {
		options = append(options, harness.WithDerivedFacts(rt.engine))
	}

	logger.Info("running suite", zap.String("suite", path), zap.Int("cases", len(cases)), zap.String("run_log", logPath))
	report, err := harness.NewRunner(opened.Session, opened.Session.ID, options...).Run(ctx, cases)
	if err != nil {
		return err
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(report); err != nil {
			return err
		}
	} else {
		printReport(os.Stdout, report)
	}

	if !report.OK() {
		return fmt.Errorf("%d of %d turns failed", report.Failed, len(report.Turns))
	}
	return nil
}

// printReport writes a one-line-per-turn summary.
func printReport(w io.Writer, r harness.Report) {
	for _, t := range r.Turns {
		status := "PASS"
		if !t.Passed() {
			status = "FAIL"
		}
		line := fmt.Sprintf("%s  %-24s %-2s  %-20s %6.1fs", status, t.Case, t.Language, t.Outcome, t.Elapsed.Seconds())
		if t.Verdict != nil && t.Verdict.Err == "" {
			line += fmt.Sprintf("  sim=%.3f", t.Verdict.Score)
		}
		fmt.Fprintln(w, line)
		for _, f := range t.Failures {
			fmt.Fprintf(w, "      - %s\n", f)
		}
		if t.Artifacts.Screenshot != "" {
			fmt.Fprintf(w, "      screenshot: %s\n", t.Artifacts.Screenshot)
		}
	}

	var flags []string
	for _, pred := range harness.DerivedPredicates {
		if n := r.Derived[pred]; n > 0 {
			flags = append(flags, fmt.Sprintf("%s=%d", pred, n))
		}
	}
	fmt.Fprintf(w, "\nrun %s: %d passed, %d failed in %s", r.RunID, r.Passed, r.Failed, r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond))
	if r.Aborted {
		fmt.Fprint(w, " (aborted)")
	}
	fmt.Fprintln(w)
	if len(flags) > 0 {
		fmt.Fprintf(w, "facts: %s\n", strings.Join(flags, " "))
	}
}
