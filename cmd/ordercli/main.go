// Command ordercli drives the order lifecycle from the terminal: start a
// saga, signal it, and inspect its status, result, and audit history.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/trellis-commerce/order-lifecycle/orders/config"
	"github.com/trellis-commerce/order-lifecycle/orders/domain"
	"github.com/trellis-commerce/order-lifecycle/orders/workflows"
)

const usage = `usage: ordercli <command> [flags]

commands:
  start           start an order saga
  cancel          signal a running saga to cancel
  update-address  signal a running saga with a new shipping address
  status          query the live saga projection
  result          wait for the saga to finish and print its report
  history         print the order's audit trail
  list            list known orders
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cfg, err := config.ReadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx := context.Background()
	deps, err := config.BuildDependencies(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build dependencies: %v", err)
	}
	defer deps.Close()

	cmd, args := os.Args[1], os.Args[2:]
	switch cmd {
	case "start":
		err = runStart(ctx, deps, args)
	case "cancel":
		err = runCancel(ctx, deps, args)
	case "update-address":
		err = runUpdateAddress(ctx, deps, args)
	case "status":
		err = runStatus(ctx, deps, args)
	case "result":
		err = runResult(ctx, deps, args)
	case "history":
		err = runHistory(ctx, deps, args)
	case "list":
		err = runList(ctx, deps, args)
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("%s: %v", cmd, err)
	}
}

func orderIDFlag(fs *flag.FlagSet) *string {
	return fs.String("order", "", "order identifier (required)")
}

func requireOrderID(fs *flag.FlagSet, orderID string) error {
	if orderID == "" {
		fs.Usage()
		return fmt.Errorf("-order is required")
	}
	return nil
}

func runStart(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	orderID := orderIDFlag(fs)
	sku := fs.String("sku", "ABC", "line item SKU")
	qty := fs.Int("qty", 1, "line item quantity")
	noItems := fs.Bool("no-items", false, "start with an empty item list")
	line1 := fs.String("line1", "", "shipping street address")
	city := fs.String("city", "", "shipping city")
	fs.Parse(args)
	if err := requireOrderID(fs, *orderID); err != nil {
		return err
	}

	items := []domain.LineItem{{SKU: *sku, Quantity: *qty}}
	if *noItems {
		items = []domain.LineItem{}
	}
	var address *domain.Address
	if *line1 != "" || *city != "" {
		address = &domain.Address{Line1: *line1, City: *city}
	}

	runID, err := deps.Engine.StartOrder(ctx, *orderID, address, items)
	if err != nil {
		return err
	}
	fmt.Printf("started order %s (run %s)\n", *orderID, runID)
	return nil
}

func runCancel(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	orderID := orderIDFlag(fs)
	reason := fs.String("reason", "requested via cli", "cancellation reason")
	fs.Parse(args)
	if err := requireOrderID(fs, *orderID); err != nil {
		return err
	}

	err := deps.Engine.Signal(ctx, *orderID, workflows.SignalCancelOrder, workflows.CancelOrderSignal{
		Reason:      *reason,
		CancelledBy: "ordercli",
	})
	if err != nil {
		return err
	}
	fmt.Printf("cancel signal delivered to order %s\n", *orderID)
	return nil
}

func runUpdateAddress(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("update-address", flag.ExitOnError)
	orderID := orderIDFlag(fs)
	line1 := fs.String("line1", "", "new street address (required)")
	city := fs.String("city", "", "new city")
	postalCode := fs.String("postal-code", "", "new postal code")
	country := fs.String("country", "", "new country")
	fs.Parse(args)
	if err := requireOrderID(fs, *orderID); err != nil {
		return err
	}
	if *line1 == "" {
		fs.Usage()
		return fmt.Errorf("-line1 is required")
	}

	err := deps.Engine.Signal(ctx, *orderID, workflows.SignalUpdateAddress, workflows.UpdateAddressSignal{
		NewAddress: domain.Address{Line1: *line1, City: *city, PostalCode: *postalCode, Country: *country},
		UpdatedBy:  "ordercli",
	})
	if err != nil {
		return err
	}
	fmt.Printf("address update delivered to order %s\n", *orderID)
	return nil
}

func runStatus(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	orderID := orderIDFlag(fs)
	fs.Parse(args)
	if err := requireOrderID(fs, *orderID); err != nil {
		return err
	}

	projection, err := deps.Engine.QueryStatus(ctx, *orderID)
	if err != nil {
		return err
	}
	return printJSON(projection)
}

func runResult(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("result", flag.ExitOnError)
	orderID := orderIDFlag(fs)
	fs.Parse(args)
	if err := requireOrderID(fs, *orderID); err != nil {
		return err
	}

	result, err := deps.Engine.Result(ctx, *orderID)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runHistory(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	orderID := orderIDFlag(fs)
	fs.Parse(args)
	if err := requireOrderID(fs, *orderID); err != nil {
		return err
	}

	events, err := deps.Ledger.ListEvents(ctx, *orderID)
	if err != nil {
		return err
	}
	for _, event := range events {
		fmt.Printf("%s  %-28s %s\n", event.Timestamp.Format("15:04:05.000"), event.Type, event.Payload)
	}
	return nil
}

func runList(ctx context.Context, deps *config.Dependencies, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("limit", 50, "maximum orders to list")
	fs.Parse(args)

	orders, err := deps.Ledger.ListOrders(ctx, *limit)
	if err != nil {
		return err
	}
	for _, order := range orders {
		fmt.Printf("%-24s %s\n", order.ID, order.State)
	}
	return nil
}

func printJSON(v interface{}) error {
	body, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(body))
	return nil
}
