package cmd

import (
	"encoding/json"
	"fmt"
	"time"

	"echoattime/internal/intake"
	"echoattime/internal/metrics"

	"github.com/spf13/cobra"
)

func newScheduleCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Queue a message for delivery at a given time",
		Example: `  echoattime schedule --at 2030-01-01T09:00:00 --message "happy new year"
  echoattime schedule --in 90s --message "ping"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			at, _ := cmd.Flags().GetString("at")
			in, _ := cmd.Flags().GetDuration("in")
			message, _ := cmd.Flags().GetString("message")
			if (at == "") == (in == 0) {
				return fmt.Errorf("exactly one of --at or --in is required")
			}

			cfg, logger, err := setup(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			st, closeStore, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			if at == "" {
				at = time.Now().Add(in).Format("2006-01-02T15:04:05.000000")
			}
			receipt, err := intake.New(st, cfg.QueueKey, metrics.New(nil), logger.Named("intake")).
				Schedule(ctx, at, message)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{
				"status":         "Message scheduled successfully",
				"message_id":     receipt.ID,
				"scheduled_time": receipt.ScheduledTime,
			})
		},
	}
	cmd.Flags().String("at", "", "Delivery time in ISO 8601 (YYYY-MM-DDTHH:MM:SS)")
	cmd.Flags().Duration("in", 0, "Delivery delay from now, e.g. 30s or 5m")
	cmd.Flags().String("message", "", "Message payload")
	return cmd
}
