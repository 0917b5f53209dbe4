package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/vincentbai/browsetrace-recorder/internal/database"
	"github.com/vincentbai/browsetrace-recorder/internal/storage"
)

func (a *app) openDatabase() (*database.Database, error) {
	if _, err := os.Stat(a.cfg.Database.Path); err != nil {
		return nil, fmt.Errorf("no session archive at %s: %w", a.cfg.Database.Path, err)
	}
	return database.NewDatabase(a.cfg.Database.Path)
}

func newSessionsCmd(a *app) *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect archived sessions",
	}
	sessionsCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			sessions, err := db.ListSessions()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(sessions) == 0 {
				fmt.Fprintln(out, "No archived sessions.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tSTATUS\tRECORDS\tINSIGHTS\tARCHIVED\tURL")
			for _, s := range sessions {
				status := s.Status
				if s.Reason != "" {
					status += " (" + s.Reason + ")"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					s.ID, status,
					humanize.Comma(int64(s.RecordCount)),
					humanize.Comma(int64(s.InsightCount)),
					humanize.Time(s.GeneratedAt),
					s.URL)
			}
			return w.Flush()
		},
	})
	return sessionsCmd
}

func newExportCmd(a *app) *cobra.Command {
	var sessionID string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write an archived session as an export document",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := a.openDatabase()
			if err != nil {
				return err
			}
			defer db.Close()

			doc, err := db.LoadSession(sessionID)
			if err != nil {
				return err
			}
			data, err := storage.Encode(doc)
			if err != nil {
				return err
			}

			if outputPath == "" {
				_, err = cmd.OutOrStdout().Write(append(data, '\n'))
				return err
			}
			if err := os.WriteFile(outputPath, data, 0o644); err != nil {
				return fmt.Errorf("failed to write %s: %w", outputPath, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %s (%s records) to %s\n", sessionID, humanize.Comma(int64(len(doc.Records))), outputPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "session id to export")
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file (default stdout)")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}
