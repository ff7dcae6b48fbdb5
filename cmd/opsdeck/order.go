package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/opsdeck/opsdeck/internal/models"
	"github.com/opsdeck/opsdeck/internal/poller"
	"github.com/spf13/cobra"
)

var orderCmd = &cobra.Command{
	Use:   "order",
	Short: "Submit and follow orders",
}

var orderSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit an order to a runner",
	RunE:  runOrderSubmit,
}

var orderShowCmd = &cobra.Command{
	Use:   "show [order-id]",
	Short: "Show order details",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrderShow,
}

var orderCancelCmd = &cobra.Command{
	Use:   "cancel [order-id]",
	Short: "Cancel an order",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrderCancel,
}

var orderWatchCmd = &cobra.Command{
	Use:   "watch [order-id]",
	Short: "Poll an order until it finishes",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrderWatch,
}

var orderLogsCmd = &cobra.Command{
	Use:   "logs [order-id]",
	Short: "Print the output of an order",
	Args:  cobra.ExactArgs(1),
	RunE:  runOrderLogs,
}

var (
	orderRunner string
	orderKey    string
	orderParams []string
	orderWatch  bool
)

func init() {
	orderCmd.AddCommand(orderSubmitCmd, orderShowCmd, orderCancelCmd, orderWatchCmd, orderLogsCmd)

	orderSubmitCmd.Flags().StringVar(&orderRunner, "runner", "", "Runner ID (required)")
	orderSubmitCmd.Flags().StringVar(&orderKey, "key", "", "Playbook or command key (required)")
	orderSubmitCmd.Flags().StringArrayVar(&orderParams, "param", nil, "Order parameter as key=value (repeatable)")
	orderSubmitCmd.Flags().BoolVar(&orderWatch, "watch", false, "Watch the order until it finishes")
	orderSubmitCmd.MarkFlagRequired("runner")
	orderSubmitCmd.MarkFlagRequired("key")
}

func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params[k] = v
	}
	return params, nil
}

func runOrderSubmit(cmd *cobra.Command, args []string) error {
	params, err := parseParams(orderParams)
	if err != nil {
		return err
	}

	o, err := newClient().SubmitOrder(cmd.Context(), models.OrderRequest{
		RunnerID: orderRunner,
		Key:      orderKey,
		Params:   params,
	})
	if err != nil {
		return err
	}
	if !orderWatch {
		if jsonOutput {
			return printJSON(o)
		}
		fmt.Printf("Submitted order: %s (%s)\n", o.ID, o.Status)
		return nil
	}
	fmt.Printf("Submitted order: %s\n", o.ID)
	return watchOrder(cmd.Context(), o.ID)
}

func runOrderShow(cmd *cobra.Command, args []string) error {
	o, err := newClient().GetOrder(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(o)
	}
	printOrder(os.Stdout, o)
	return nil
}

func runOrderCancel(cmd *cobra.Command, args []string) error {
	o, err := newClient().CancelOrder(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Printf("Order %s is %s\n", o.ID, o.Status)
	return nil
}

func runOrderWatch(cmd *cobra.Command, args []string) error {
	return watchOrder(cmd.Context(), args[0])
}

func runOrderLogs(cmd *cobra.Command, args []string) error {
	logs, err := newClient().GetOrderLogs(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	fmt.Print(logs)
	if logs != "" && !strings.HasSuffix(logs, "\n") {
		fmt.Println()
	}
	return nil
}

// watchOrder polls through the daemon until the order is terminal or the user
// interrupts. A failed or cancelled order is reported as an error.
func watchOrder(ctx context.Context, orderID string) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var last models.OrderStatus
	loop := poller.New(newClient(), logger, poller.Config{
		Interval: cfg.PollInterval,
		OnUpdate: func(o models.Order) {
			if o.Status != last {
				fmt.Printf("%s  %s\n", formatTime(o.UpdatedAt), o.Status)
				last = o.Status
			}
		},
	})

	o, err := loop.Run(ctx, orderID)
	if errors.Is(err, context.Canceled) {
		fmt.Println("Stopped watching.")
		if o != nil {
			fmt.Printf("Last status: %s\n", o.Status)
		}
		return nil
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(o)
	}
	fmt.Println()
	printOrder(os.Stdout, o)
	if o.Status != models.OrderStatusSucceeded {
		return fmt.Errorf("order %s %s", o.ID, o.Status)
	}
	return nil
}
