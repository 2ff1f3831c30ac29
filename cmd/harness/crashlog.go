package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/apk-analysis/app-compat-harness/internal/artifact"
	"github.com/apk-analysis/app-compat-harness/internal/device"
	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/spf13/cobra"
)

func newCrashLogCmd() *cobra.Command {
	var (
		since       time.Duration
		startMillis int64
		save        bool
	)

	cmd := &cobra.Command{
		Use:   "crashlog <package>",
		Short: "Print the dropbox crash log of a package since a point in device time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stack, err := newDeviceStack(cfg, nil, logger)
			if err != nil {
				return err
			}
			if err := stack.prepare(ctx); err != nil {
				return err
			}

			start := domain.NewDeviceTimestamp(startMillis)
			if startMillis <= 0 {
				now, err := device.NewClock(stack.client).CurrentTimeMillis(ctx)
				if err != nil {
					return err
				}
				start = domain.NewDeviceTimestamp(now.Millis() - since.Milliseconds())
			}

			var sink artifact.Sink
			if save {
				runID := fmt.Sprintf("%s_crashlog_%s", args[0], time.Now().Format("20060102-150405"))
				dirSink, err := artifact.NewDirSink(cfg.Artifacts.Dir, runID, nil, logger)
				if err != nil {
					return err
				}
				sink = dirSink
				defer fmt.Printf("artifacts: %s\n", dirSink.Dir())
			}

			message, err := stack.checker(sink).GetCrashLog(ctx, args[0], start, save, nil)
			if err != nil {
				return err
			}
			if message == "" {
				fmt.Printf("No crashes of %s since %s\n", args[0], start)
				return nil
			}
			fmt.Println(message)
			return errTestsFailed
		},
	}

	cmd.Flags().DurationVar(&since, "since", time.Hour, "look back this far from the current device time")
	cmd.Flags().Int64Var(&startMillis, "start-millis", 0, "window start in device epoch milliseconds (overrides --since)")
	cmd.Flags().BoolVar(&save, "save", false, "save the crash report as an artifact")
	return cmd
}
