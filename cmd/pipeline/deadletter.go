package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

type deadLetterView struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	CampaignID  int64           `json:"campaignId"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	Stalled     int             `json:"stalled"`
	LastError   string          `json:"lastError,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	FailedAt    time.Time       `json:"failedAt"`
	Payload     json.RawMessage `json:"payload"`
}

func newDeadLetterCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "dead-letter",
		Aliases: []string{"dlq"},
		Short:   "Inspect and retry jobs that exhausted their attempts",
	}
	cmd.AddCommand(newDeadLetterListCmd(configPath), newDeadLetterRetryCmd(configPath))
	return cmd
}

func newDeadLetterListCmd(configPath *string) *cobra.Command {
	var (
		queueName string
		limit     int64
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print dead-lettered jobs as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := a.queueByName(queueName)
			if err != nil {
				return err
			}
			jobs, err := q.DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}
			counts, err := q.Counts(cmd.Context())
			if err != nil {
				return err
			}

			views := make([]deadLetterView, 0, len(jobs))
			for _, j := range jobs {
				views = append(views, deadLetterView{
					ID:          j.ID,
					Queue:       j.Queue,
					CampaignID:  j.CampaignID,
					Attempts:    j.Attempts,
					MaxAttempts: j.MaxAttempts,
					Stalled:     j.Stalled,
					LastError:   j.LastError,
					EnqueuedAt:  j.EnqueuedAt,
					FailedAt:    j.FailedAt,
					Payload:     j.Payload,
				})
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{
				"queue":  q.Name(),
				"counts": counts,
				"jobs":   views,
			})
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "send", "Queue to inspect (send or log)")
	cmd.Flags().Int64Var(&limit, "limit", 50, "Maximum number of jobs to print")
	return cmd
}

func newDeadLetterRetryCmd(configPath *string) *cobra.Command {
	var queueName string

	cmd := &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Move a dead-lettered job back to the waiting list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := a.queueByName(queueName)
			if err != nil {
				return err
			}
			if err := q.RetryDeadLetter(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s requeued on %s\n", args[0], q.Name())
			return nil
		},
	}
	cmd.Flags().StringVar(&queueName, "queue", "send", "Queue the job belongs to (send or log)")
	return cmd
}
