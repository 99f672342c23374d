package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/qasync/internal/agent"
	"github.com/MarcoPoloResearchLab/qasync/internal/config"
	"github.com/MarcoPoloResearchLab/qasync/internal/records"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// withRuntime opens the local cache for one CLI invocation without starting background work.
func withRuntime(cmd *cobra.Command, run func(ctx context.Context, runtime *clientRuntime) error) error {
	agentConfig, err := config.LoadAgent(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runtime, err := newClientRuntime(ctx, agentConfig, logger)
	if err != nil {
		return err
	}
	defer runtime.Close() //nolint:errcheck
	return run(ctx, runtime)
}

// runLocal handles one command and renders its reply. A pending write is reported, not failed.
func runLocal(cmd *cobra.Command, command agent.Command, render func(io.Writer, agent.Reply) error) error {
	return withRuntime(cmd, func(ctx context.Context, runtime *clientRuntime) error {
		reply, err := runtime.agent.Handle(ctx, command)
		if err != nil && !reply.Pending {
			return err
		}
		if err != nil {
			runtime.logger.Debug("command completed locally", zap.String("type", command.Type()), zap.Error(err))
		}
		return render(cmd.OutOrStdout(), reply)
	})
}

func recordsRenderer(asJSON bool) func(io.Writer, agent.Reply) error {
	if asJSON {
		return renderJSON
	}
	maxRetries := viper.GetInt("sync.max_retries")
	return func(out io.Writer, reply agent.Reply) error {
		return renderRecords(out, reply.Records, maxRetries)
	}
}

func newSaveCommand() *cobra.Command {
	var (
		category string
		payload  records.Payload
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Cache a Q&A record and push it to the remote service",
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := records.NewCategory(category)
			if err != nil {
				return err
			}
			payload.CapturedAt = time.Now().UTC()
			return runLocal(cmd, agent.SaveRecord{Category: resolved, Payload: payload}, renderSaved)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&category, "category", records.DefaultCategory.String(), "Record category")
	flags.StringVar(&payload.Question, "question", "", "Question text")
	flags.StringVar(&payload.Answer, "answer", "", "Answer text")
	flags.StringVar(&payload.Source, "source", "", "Where the answer came from")
	flags.StringVar(&payload.NotebookRef, "notebook", "", "Notebook reference")
	return cmd
}

func newListCommand() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cached records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, agent.GetAllCached{}, recordsRenderer(asJSON))
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newSearchCommand() *cobra.Command {
	var (
		category string
		state    string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "search [text]",
		Short: "Search cached records by text, category and sync state",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			search := agent.SearchCached{State: agent.SyncState(strings.ToLower(strings.TrimSpace(state)))}
			switch search.State {
			case "", agent.SyncStateSynced, agent.SyncStatePending, agent.SyncStateFailed:
			default:
				return fmt.Errorf("unknown sync state %q", state)
			}
			if len(args) == 1 {
				search.Text = args[0]
			}
			if strings.TrimSpace(category) != "" {
				resolved, err := records.NewCategory(category)
				if err != nil {
					return err
				}
				search.Category = resolved
			}
			return runLocal(cmd, search, recordsRenderer(asJSON))
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Only records in this category")
	cmd.Flags().StringVar(&state, "state", "", "Only records in this sync state (synced, pending, failed)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print records as JSON")
	return cmd
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <local-id>",
		Short: "Print one cached record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localID, err := records.NewLocalID(args[0])
			if err != nil {
				return err
			}
			return runLocal(cmd, agent.GetRecord{LocalID: localID}, renderRecord)
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <local-id>",
		Short: "Delete a cached record locally and remotely",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			localID, err := records.NewLocalID(args[0])
			if err != nil {
				return err
			}
			return runLocal(cmd, agent.DeleteRecord{LocalID: localID}, func(out io.Writer, _ agent.Reply) error {
				_, err := fmt.Fprintf(out, "deleted %s\n", localID)
				return err
			})
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show sync status and storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, func(ctx context.Context, runtime *clientRuntime) error {
				status, err := runtime.agent.Handle(ctx, agent.GetSyncStatus{})
				if err != nil {
					return err
				}
				usage, err := runtime.agent.Handle(ctx, agent.CheckQuota{})
				if err != nil {
					return err
				}
				if err := renderStatus(cmd.OutOrStdout(), status); err != nil {
					return err
				}
				return renderQuota(cmd.OutOrStdout(), usage)
			})
		},
	}
}

func newSyncCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync round now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLocal(cmd, agent.TriggerManualSync{}, renderStatus)
		},
	}
}

func renderSaved(out io.Writer, reply agent.Reply) error {
	if reply.Saved == nil {
		return nil
	}
	if reply.Pending {
		_, err := fmt.Fprintf(out, "%s %s\n", reply.Saved.LocalID, reply.Message)
		return err
	}
	_, err := fmt.Fprintf(out, "%s synced as %s\n", reply.Saved.LocalID, reply.Saved.RemoteID)
	return err
}

func renderRecords(out io.Writer, cached []records.Record, maxRetries int) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "LOCAL ID\tCATEGORY\tSTATE\tSIZE\tCACHED\tQUESTION")
	for _, record := range cached {
		state := string(agent.SyncStateSynced)
		switch {
		case record.IsFailed(maxRetries):
			state = string(agent.SyncStateFailed)
		case !record.IsSynced() || record.Dirty:
			state = string(agent.SyncStatePending)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\n",
			record.LocalID,
			record.Category,
			state,
			humanize.Bytes(uint64(record.SizeBytes)),
			humanize.Time(record.CachedAt),
			truncate(record.Payload.Question, 60))
	}
	return writer.Flush()
}

func renderStatus(out io.Writer, reply agent.Reply) error {
	if reply.Status == nil {
		return nil
	}
	lastSync := "never"
	if reply.Status.LastSync != nil {
		lastSync = humanize.Time(*reply.Status.LastSync)
	}
	_, err := fmt.Fprintf(out, "last sync: %s\nunsynced: %s\nfailed: %s\n",
		lastSync,
		humanize.Comma(reply.Status.UnsyncedCount),
		humanize.Comma(reply.Status.FailedCount))
	return err
}

func renderQuota(out io.Writer, reply agent.Reply) error {
	if reply.Quota == nil {
		return nil
	}
	_, err := fmt.Fprintf(out, "storage: %s of %s (%.1f%%)\n",
		humanize.IBytes(reply.Quota.UsedBytes),
		humanize.IBytes(reply.Quota.TotalBytes),
		reply.Quota.PercentageUsed)
	return err
}

func renderRecord(out io.Writer, reply agent.Reply) error {
	if reply.Record == nil {
		return nil
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reply.Record)
}

func renderJSON(out io.Writer, reply agent.Reply) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(reply)
}

func truncate(value string, limit int) string {
	value = strings.Join(strings.Fields(value), " ")
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit-1]) + "…"
}
