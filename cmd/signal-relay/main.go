package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"

	"github.com/trellis-commerce/order-lifecycle/orders/config"
	"github.com/trellis-commerce/order-lifecycle/orders/infrastructure"
)

// The signal relay drains an SQS queue of out-of-band cancel and
// address-change messages and forwards them to the running sagas.
func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.AWS.SQSQueueURL == "" {
		log.Fatal("aws.sqs_queue_url must be set for the signal relay")
	}

	fmt.Printf("Starting signal relay on queue %s\n", cfg.AWS.SQSQueueURL)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dependencies: %v", err)
	}
	defer deps.Close()

	sqsClient, err := config.NewSQSClient(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build SQS client: %v", err)
	}

	relay := infrastructure.NewSQSSignalRelay(sqsClient, cfg.AWS.SQSQueueURL, deps.Engine)
	if err := relay.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("Signal relay stopped: %v", err)
	}

	fmt.Println("Signal relay stopped")
}
