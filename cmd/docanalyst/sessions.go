package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dgallion1/docanalyst/internal/pathstore"
	"github.com/dgallion1/docanalyst/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and clean up analysis sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, newest first",
	RunE:  runSessionsList,
}

var sessionsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete all but the newest sessions",
	Long:  `Delete every session except the --keep newest ones (default SESSION_KEEP_LATEST).`,
	RunE:  runSessionsCleanup,
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete [session-id]",
	Short: "Delete one session and its files",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsDelete,
}

// Command flags
var (
	sessionsJSONOutput bool
	sessionsKeep       int
)

func init() {
	sessionsListCmd.Flags().BoolVar(&sessionsJSONOutput, "json", false, "output as JSON")
	sessionsCleanupCmd.Flags().IntVar(&sessionsKeep, "keep", -1, "number of newest sessions to keep")

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsCleanupCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}

func openRegistry() (*session.Registry, *pathstore.Publisher, func(), error) {
	cfg, _, err := loadConfig(os.Stderr)
	if err != nil {
		return nil, nil, nil, err
	}
	reg, err := session.OpenRegistry(cfg.DataDir)
	if err != nil {
		return nil, nil, nil, err
	}
	if sessionsKeep < 0 {
		sessionsKeep = cfg.SessionKeepLatest
	}
	closeFn := func() { reg.Close() }
	if cfg.PathstoreURL == "" {
		return reg, nil, closeFn, nil
	}
	ps := pathstore.NewClient(cfg.PathstoreURL, cfg.PathstoreAPIKey, cfg.PathstorePrefix)
	return reg, pathstore.NewPublisher(ps, cfg.PathstoreTTL), func() {
		ps.Close()
		reg.Close()
	}, nil
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	reg, _, closeFn, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeFn()

	sessions, err := reg.List(cmd.Context())
	if err != nil {
		return err
	}
	if sessionsJSONOutput {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(sessions)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCREATED\tLAST USED\tDOCUMENTS")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID,
			s.CreatedAt.Local().Format(time.DateTime),
			s.LastUsedAt.Local().Format(time.DateTime),
			s.Documents)
	}
	return w.Flush()
}

func runSessionsCleanup(cmd *cobra.Command, args []string) error {
	reg, pub, closeFn, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeFn()

	deleted, err := reg.Cleanup(cmd.Context(), sessionsKeep, nil)
	for _, id := range deleted {
		if pub != nil {
			if err := pub.DeleteSession(cmd.Context(), id); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "unpublish %s: %v\n", id, err)
			}
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d session(s) deleted, keeping newest %d\n", len(deleted), sessionsKeep)
	return err
}

func runSessionsDelete(cmd *cobra.Command, args []string) error {
	reg, pub, closeFn, err := openRegistry()
	if err != nil {
		return err
	}
	defer closeFn()

	id := args[0]
	if err := reg.Delete(cmd.Context(), id); err != nil {
		return err
	}
	if pub != nil {
		if err := pub.DeleteSession(cmd.Context(), id); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "unpublish %s: %v\n", id, err)
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), "deleted", id)
	return nil
}
