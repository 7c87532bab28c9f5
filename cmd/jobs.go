package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/ramin-karimi/facegraph/config"
	"github.com/ramin-karimi/facegraph/internal/queue/streams"
)

func jobsCMD() *cobra.Command {
	var cfgPath string

	jobs := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect pipeline queue entries",
	}
	jobs.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	var scopeID string
	dead := &cobra.Command{
		Use:   "dead",
		Short: "List dead-lettered jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			return listDeadJobs(cmd.Context(), cfg, scopeID)
		},
	}
	dead.Flags().StringVar(&scopeID, "scope", "", "restrict to one profile scope")

	jobs.AddCommand(dead)
	return jobs
}

func listDeadJobs(ctx context.Context, cfg *config.Config, scopeID string) error {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Storage.Redis.Host + ":" + cfg.Storage.Redis.Port,
		Password:     cfg.Storage.Redis.Password,
		DB:           cfg.Storage.Redis.DB,
		DialTimeout:  cfg.Storage.Redis.Timeout,
		ReadTimeout:  cfg.Storage.Redis.Timeout,
		WriteTimeout: cfg.Storage.Redis.Timeout,
	})
	defer client.Close()

	inspector := streams.NewInspector(client, "")
	entries, err := inspector.ListDead(ctx, scopeID)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no dead jobs")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STREAM ID\tSCOPE\tCONTENT\tSTEP\tAT\tREASON")
	for _, entry := range entries {
		var job streams.DeadJob
		if err := json.Unmarshal(entry.Envelope.Data, &job); err != nil {
			job.Reason = "unreadable payload"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			entry.StreamID,
			entry.Envelope.ScopeID,
			entry.Envelope.ContentID,
			entry.Envelope.Step,
			entry.Envelope.OccurredAt.Format("2006-01-02 15:04:05"),
			job.Reason)
	}
	return w.Flush()
}
