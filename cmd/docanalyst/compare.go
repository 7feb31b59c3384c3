package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docanalyst/internal/pipeline"
)

var compareSession string

var compareCmd = &cobra.Command{
	Use:   "compare [reference] [actual]",
	Short: "Report page-by-page changes between two documents",
	Long: `Compare an actual document against a reference one. Both files are kept
in the session under compare/<id>/. Without --session a new session is
created. The comparison, including the per-page changes, is written to
stdout; logs go to stderr.`,
	Args: cobra.ExactArgs(2),
	RunE: runCompare,
}

func init() {
	compareCmd.Flags().StringVarP(&compareSession, "session", "s", "", "existing session ID to store the documents in")
}

func runCompare(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(os.Stderr)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var uploads [2]pipeline.Upload
	for i, path := range args {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		uploads[i] = pipeline.Upload{Filename: filepath.Base(path), Body: f}
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := compareSession
	if sessionID == "" {
		sess, err := a.reg.Create(ctx)
		if err != nil {
			return err
		}
		sessionID = sess.ID
		log.Info("session created", "session_id", sessionID)
	}

	cmp, runErr := a.orch.Compare(ctx, sessionID, uploads[0], uploads[1])
	if cmp != nil {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(cmp); err != nil {
			return err
		}
	}
	return runErr
}
