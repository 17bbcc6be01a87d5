package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/target/placement-fulfillment/internal/bootstrap"
)

type orderOptions struct {
	OrderID string
	Force   bool
	Timeout time.Duration
}

func parseOrderFlags(name string, args []string, allowForce bool) (orderOptions, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	opts := orderOptions{Timeout: defaultCommandTimeout}
	fs.StringVar(&opts.OrderID, "id", "", "Order ID (required)")
	fs.DurationVar(&opts.Timeout, "timeout", defaultCommandTimeout, "Maximum duration for the command")
	if allowForce {
		fs.BoolVar(&opts.Force, "force", false, "Cancel even when the order is processing")
	}

	if err := fs.Parse(args); err != nil {
		return orderOptions{}, err
	}
	opts.OrderID = strings.TrimSpace(opts.OrderID)
	if opts.OrderID == "" {
		return orderOptions{}, errors.New("--id is required")
	}
	if opts.Timeout <= 0 {
		return orderOptions{}, errors.New("--timeout must be greater than zero")
	}
	return opts, nil
}

func runFulfillOrder(cmdCtx *commandContext, args []string) error {
	opts, err := parseOrderFlags("fulfill-order", args, false)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, _ *sql.DB, svcs bootstrap.ServiceContainer) error {
		out, err := svcs.OrderAdmin.Fulfill(ctx, opts.OrderID)
		if err != nil {
			return fmt.Errorf("fulfill order %s: %w", opts.OrderID, err)
		}
		return writeJSON(cmdCtx.Out, out)
	})
}

func runCancelOrder(cmdCtx *commandContext, args []string) error {
	opts, err := parseOrderFlags("cancel-order", args, true)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, _ *sql.DB, svcs bootstrap.ServiceContainer) error {
		order, err := svcs.OrderAdmin.Cancel(ctx, opts.OrderID, opts.Force)
		if err != nil {
			return fmt.Errorf("cancel order %s: %w", opts.OrderID, err)
		}
		return writef(cmdCtx.Out, "order %s is now %s\n", order.ID, order.Status)
	})
}

func runRetryOrder(cmdCtx *commandContext, args []string) error {
	opts, err := parseOrderFlags("retry-order", args, false)
	if err != nil {
		return err
	}
	return withServices(cmdCtx, opts.Timeout, func(ctx context.Context, _ *sql.DB, svcs bootstrap.ServiceContainer) error {
		out, err := svcs.OrderAdmin.Retry(ctx, opts.OrderID)
		if err != nil {
			return fmt.Errorf("retry order %s: %w", opts.OrderID, err)
		}
		return writeJSON(cmdCtx.Out, out)
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
