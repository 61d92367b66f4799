package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/relaynotes/internal/mcpserver"
	"github.com/agentworkforce/relaynotes/internal/note"
)

const maxListed = 10

type locationFlags struct {
	repo   string
	branch string
	file   string
	line   int
}

func (l *locationFlags) register(cmd *cobra.Command, lineRequired bool) {
	cmd.Flags().StringVar(&l.repo, "repo", "", "repository as owner/name")
	cmd.Flags().StringVar(&l.branch, "branch", "", "branch name")
	cmd.Flags().StringVar(&l.file, "file", "", "file path inside the repository")
	cmd.Flags().IntVar(&l.line, "line", 0, "line number")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("branch")
	_ = cmd.MarkFlagRequired("file")
	if lineRequired {
		_ = cmd.MarkFlagRequired("line")
	}
}

func newSyncCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Fetch the chat once and report what was found",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd.Context(), "relaynotes-sync")
			if err != nil {
				return err
			}
			defer a.Close()
			inserted, err := a.Engine.Refresh(cmd.Context())
			if err != nil {
				return err
			}
			status := a.Engine.Status()
			fmt.Fprintf(cmd.OutOrStdout(), "inserted %d, total %d, skipped %d foreign messages (%s)\n",
				len(inserted), status.Notes, status.ParseFailures, status.Mode)
			return nil
		},
	}
}

func newListCmd(root *rootFlags) *cobra.Command {
	loc := &locationFlags{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Show notes for a file, or one line of it, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd.Context(), "relaynotes-list")
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.Engine.Refresh(cmd.Context()); err != nil {
				return err
			}
			var notes []note.Note
			if loc.line > 0 {
				notes = a.Engine.Lookup(loc.repo, loc.branch, loc.file, loc.line)
			} else {
				for _, lineNotes := range a.Engine.FileNotes(loc.repo, loc.branch, loc.file) {
					notes = append(notes, lineNotes...)
				}
			}
			writeNotes(cmd.OutOrStdout(), notes, loc.line == 0)
			return nil
		},
	}
	loc.register(cmd, false)
	return cmd
}

func newAddCmd(root *rootFlags) *cobra.Command {
	loc := &locationFlags{}
	cmd := &cobra.Command{
		Use:   "add [flags] TEXT...",
		Short: "Publish a note on one line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := note.New(loc.repo, loc.branch, loc.file, loc.line, time.Now().UTC(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			a, err := root.open(cmd.Context(), "relaynotes-add")
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Engine.Publish(cmd.Context(), n); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "published %s\n", n.Locator())
			return nil
		},
	}
	loc.register(cmd, true)
	return cmd
}

func newMCPCmd(root *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve list_notes and add_note over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := root.open(cmd.Context(), "relaynotes-mcp")
			if err != nil {
				return err
			}
			defer a.Close()
			if _, err := a.Engine.Load(cmd.Context()); err != nil {
				a.Logger.Warn("initial load failed; serving what is cached", zap.Error(err))
			}
			return mcpserver.Run(cmd.Context(), mcpserver.NewHandlers(a.Engine, a.Logger.Named("mcp")), version)
		},
	}
}

// writeNotes prints at most maxListed notes, newest first, and how many were
// left out. withLine prefixes each note with its line number.
func writeNotes(w io.Writer, notes []note.Note, withLine bool) {
	sorted := note.NewestFirst(notes)
	fmt.Fprintf(w, "Notes (%d)\n", len(sorted))
	shown := sorted
	if len(shown) > maxListed {
		shown = shown[:maxListed]
	}
	for _, n := range shown {
		fmt.Fprintln(w, "---")
		if withLine {
			fmt.Fprintf(w, "L%d: ", n.Line())
		}
		fmt.Fprintln(w, n.Text())
		if n.HasValidTimestamp() {
			fmt.Fprintf(w, "  from %s\n", n.Timestamp().Local().Format(time.DateTime))
		} else {
			fmt.Fprintln(w, "  from unknown time")
		}
	}
	if rest := len(sorted) - len(shown); rest > 0 {
		fmt.Fprintf(w, "and %d more...\n", rest)
	}
}
