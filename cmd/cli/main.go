package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/urfave/cli/v3"

	"sosg-strava-sync/internal/config"
	"sosg-strava-sync/internal/strava"
)

func main() {
	// Disable structured logging for CLI
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only show errors
	})))

	app := &cli.Command{
		Name:  "cli",
		Usage: "Strava webhook subscription management",
		Commands: []*cli.Command{
			{
				Name:  "subscription",
				Usage: "Manage the push subscription for this application",
				Commands: []*cli.Command{
					{
						Name:   "list",
						Usage:  "List all active subscriptions",
						Action: withClient(handleList),
					},
					{
						Name:   "create",
						Usage:  "Create the webhook subscription for APP_URL/webhook",
						Action: withClient(handleCreate),
					},
					{
						Name:      "delete",
						Usage:     "Delete a webhook subscription",
						ArgsUsage: "<subscription_id>",
						Action:    withClient(handleDelete),
					},
				},
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type action func(ctx context.Context, c *cli.Command, client *strava.Client, cfg *config.Config) error

func withClient(fn action) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		client := strava.NewClient(cfg.StravaClientID, cfg.StravaClientSecret, cfg.RedirectURL())
		return fn(ctx, c, client, cfg)
	}
}

func handleCreate(ctx context.Context, c *cli.Command, client *strava.Client, cfg *config.Config) error {
	callbackURL := cfg.WebhookCallbackURL()

	fmt.Printf("Creating webhook subscription...\n")
	fmt.Printf("Callback URL: %s\n", callbackURL)
	fmt.Println()

	subscription, err := client.CreateSubscription(ctx, callbackURL, cfg.StravaWebhookVerifyToken)
	if err != nil {
		var httpErr *strava.HTTPError
		if errors.As(err, &httpErr) {
			fmt.Fprintf(os.Stderr, "Subscription creation failed (HTTP %d)\n", httpErr.StatusCode)
			fmt.Fprintf(os.Stderr, "Response: %s\n", httpErr.Body)

			if httpErr.StatusCode == 400 {
				fmt.Fprintln(os.Stderr, "\nPossible issues:")
				fmt.Fprintln(os.Stderr, "- A subscription already exists for this application")
				fmt.Fprintln(os.Stderr, "- The callback URL is not accessible from Strava")
				fmt.Fprintln(os.Stderr, "- The server is running with a different verify token")
			}
		}
		return err
	}

	fmt.Println("✓ Subscription created successfully!")
	fmt.Printf("  ID: %d\n", subscription.ID)
	fmt.Printf("  Application ID: %d\n", subscription.ApplicationID)
	fmt.Printf("  Callback URL: %s\n", subscription.CallbackURL)
	fmt.Printf("  Created At: %s\n", subscription.CreatedAt)
	return nil
}

func handleList(ctx context.Context, c *cli.Command, client *strava.Client, cfg *config.Config) error {
	fmt.Println("Fetching subscriptions...")

	subscriptions, err := client.ListSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list subscriptions: %w", err)
	}

	if len(subscriptions) == 0 {
		fmt.Println("No active subscriptions found.")
		fmt.Println("\nTo create a subscription, run: cli subscription create")
		return nil
	}

	fmt.Printf("\nFound %d subscription(s):\n\n", len(subscriptions))
	for _, sub := range subscriptions {
		fmt.Printf("ID: %d\n", sub.ID)
		fmt.Printf("  Application ID: %d\n", sub.ApplicationID)
		fmt.Printf("  Callback URL: %s\n", sub.CallbackURL)
		fmt.Printf("  Created: %s\n", sub.CreatedAt)
		fmt.Printf("  Updated: %s\n", sub.UpdatedAt)
		fmt.Println()
	}
	return nil
}

func handleDelete(ctx context.Context, c *cli.Command, client *strava.Client, cfg *config.Config) error {
	if c.Args().Len() < 1 {
		return fmt.Errorf("subscription ID required\nUsage: cli subscription delete <subscription_id>")
	}

	subscriptionID, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid subscription ID: %s", c.Args().First())
	}

	fmt.Printf("Deleting subscription %d...\n", subscriptionID)

	if err := client.DeleteSubscription(ctx, subscriptionID); err != nil {
		if strava.IsNotFound(err) {
			return fmt.Errorf("subscription %d not found", subscriptionID)
		}
		return err
	}

	fmt.Println("✓ Subscription deleted successfully!")
	return nil
}
