package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"go.temporal.io/sdk/worker"

	"github.com/trellis-commerce/order-lifecycle/orders/activities"
	"github.com/trellis-commerce/order-lifecycle/orders/config"
	"github.com/trellis-commerce/order-lifecycle/orders/flaky"
	"github.com/trellis-commerce/order-lifecycle/orders/handlers"
	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

// The shipping worker is a separate binary on its own task queue so the
// shipping saga runs in a distinct execution lane from the parent.
func main() {
	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	fmt.Printf("Starting shipping worker on task queue %q\n", cfg.Temporal.ShippingTaskQueue)

	ctx := context.Background()
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dependencies: %v", err)
	}
	defer deps.Close()

	acts := activities.New(deps.Ledger, flaky.NewRandom(time.Now().UnixNano()), deps.Notifier)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", handlers.NewMetricsHandler())
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics endpoint stopped: %v", err)
		}
	}()

	w := worker.New(deps.TemporalClient, cfg.Temporal.ShippingTaskQueue, worker.Options{})
	w.RegisterWorkflow(workflows.ShippingWorkflow)
	w.RegisterActivity(acts)

	if err := w.Run(worker.InterruptCh()); err != nil {
		log.Fatalf("Shipping worker stopped: %v", err)
	}
}
