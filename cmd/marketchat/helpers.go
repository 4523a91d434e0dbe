package main

import (
	"fmt"
	"os"
	"time"

	marketchat "github.com/gjmarket/marketchat-go"
)

// getClient creates a chat client from the stored session.
func getClient() *marketchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "Not signed in. Run 'marketchat signin <email>' first.")
		os.Exit(1)
	}

	var opts []marketchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, marketchat.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Auth.UserID != 0 {
		opts = append(opts, marketchat.WithUserID(cfg.Auth.UserID))
	}

	return marketchat.NewClient(cfg.Auth.Token, opts...)
}

// getAnonClient creates an unauthenticated client, for signing in.
func getAnonClient() *marketchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	var opts []marketchat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, marketchat.WithBaseURL(cfg.Default.BaseURL))
	}
	return marketchat.NewClient("", opts...)
}

// formatTime renders a message timestamp for terminal output.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "--:--"
	}
	if t.Year() == time.Now().Year() && t.YearDay() == time.Now().YearDay() {
		return t.Format("15:04")
	}
	return t.Format("Jan 2 15:04")
}
