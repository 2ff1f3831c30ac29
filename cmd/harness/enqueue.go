package main

import (
	"context"
	"fmt"

	"github.com/apk-analysis/app-compat-harness/internal/domain"
	"github.com/apk-analysis/app-compat-harness/internal/queue"
	"github.com/spf13/cobra"
)

func newEnqueueCmd() *cobra.Command {
	var (
		kind        string
		listFile    string
		requestedBy string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [package...]",
		Short: "Publish test requests to the RabbitMQ request queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			packages, err := collectPackages(args, listFile)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cfg.RabbitMQ.Enabled {
				return fmt.Errorf("rabbitmq is disabled (rabbitmq.enabled)")
			}

			ctx := context.Background()
			mq, err := queue.Dial(ctx, cfg.RabbitMQ, cfg.RabbitMQ.RequestQueue, logger)
			if err != nil {
				return err
			}
			defer mq.Close()

			producer := queue.NewProducer(mq, logger)
			for _, pkg := range packages {
				msg := &queue.TestRequestMessage{
					PackageName: pkg,
					Kind:        domain.TestKind(kind),
					RequestedBy: requestedBy,
				}
				if err := producer.PublishRequest(ctx, msg); err != nil {
					return fmt.Errorf("failed to enqueue %s: %w", pkg, err)
				}
			}

			fmt.Printf("Enqueued %d %s request(s) to %s\n", len(packages), kind, cfg.RabbitMQ.RequestQueue)
			return nil
		},
	}

	cmd.Flags().StringVarP(&kind, "kind", "k", string(domain.TestKindLaunch), "test kind (launch, crawl)")
	cmd.Flags().StringVarP(&listFile, "file", "f", "", "read package names from a file, one per line")
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "requester recorded in the message")
	return cmd
}
