package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var analyzeSession string

var analyzeCmd = &cobra.Command{
	Use:   "analyze [file]",
	Short: "Analyze one document and print the result as JSON",
	Long: `Analyze a single document synchronously. Without --session a new session
is created. The job snapshot, including the extracted record, is written to
stdout; logs go to stderr.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeSession, "session", "s", "", "existing session ID to add the document to")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
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

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sessionID := analyzeSession
	if sessionID == "" {
		sess, err := a.reg.Create(ctx)
		if err != nil {
			return err
		}
		sessionID = sess.ID
		log.Info("session created", "session_id", sessionID)
	}

	snap, runErr := a.orch.AnalyzeFile(ctx, sessionID, args[0])
	if snap.ID != "" {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
	}
	return runErr
}
