package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	marketchat "github.com/gjmarket/marketchat-go"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <room-id>",
	Short: "Open an interactive chat session in a room",
	Long: "Connect to a chat room and talk in real time.\n\n" +
		"Commands inside the session:\n" +
		"  /more   load older messages\n" +
		"  /quit   leave the session",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid room id %q", args[0])
		}
		client := getClient()
		return runChat(client, roomID)
	},
}

func runChat(client *marketchat.Client, roomID int) error {
	ctx := context.Background()

	if info, err := client.Rooms().Info(ctx, roomID); err == nil {
		fmt.Printf("Room #%d: %s (with %s)\n", info.ID, info.PostTitle, info.OtherUserNickname)
	}

	tl := marketchat.NewTimeline(roomID)
	conn := client.Room(roomID, nil)
	defer conn.Close()

	conn.OnStatus(func(ev marketchat.StatusEvent) {
		switch ev.State {
		case marketchat.StateConnected:
			fmt.Println("-- connected --")
		case marketchat.StateReconnecting:
			fmt.Printf("-- connection lost, retrying in %s (attempt %d) --\n", ev.Delay.Round(time.Millisecond), ev.Attempt)
		case marketchat.StateFailed:
			if ev.Terminal {
				fmt.Printf("-- gave up: %s --\n", ev.Reason)
			}
		}
	})
	conn.OnMessage(func(msg marketchat.Message) {
		if msg.SenderID != client.UserID() {
			fmt.Printf("[%s] them: %s\n", formatTime(msg.SentAt), msg.Content)
		}
	})

	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := conn.Open(dialCtx)
	cancel()
	if err != nil {
		if errors.Is(err, marketchat.ErrAuthRejected) || errors.Is(err, marketchat.ErrNoCredential) {
			return fmt.Errorf("cannot join room: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Connection trouble: %v\n", err)
	}

	if _, err := client.History().LoadOlder(ctx, tl); err != nil {
		fmt.Fprintf(os.Stderr, "Could not load history: %v\n", err)
	}
	for _, msg := range tl.Messages() {
		printMessage(msg, client.UserID())
	}

	sender := marketchat.NewSender(conn, tl, client.UserID())
	defer sender.Close()

	fmt.Println("Type a message and press enter. /more for history, /quit to exit.")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "/quit":
			return nil
		case line == "/more":
			if !client.History().HasMore(roomID) {
				fmt.Println("-- beginning of conversation --")
				continue
			}
			before := tl.Len()
			if _, err := client.History().LoadOlder(ctx, tl); err != nil {
				if errors.Is(err, marketchat.ErrLoadInFlight) {
					fmt.Println("-- already loading --")
					continue
				}
				fmt.Fprintf(os.Stderr, "Could not load history: %v\n", err)
				continue
			}
			msgs := tl.Messages()
			loaded := tl.Len() - before
			fmt.Printf("-- %d older messages --\n", loaded)
			for _, msg := range msgs[:loaded] {
				printMessage(msg, client.UserID())
			}
		case line == "":
			continue
		default:
			msg, err := sender.Send(ctx, line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Send failed: %v\n", err)
				continue
			}
			fmt.Printf("[%s] me: %s (sending...)\n", formatTime(msg.SentAt), msg.Content)
		}
	}
	return scanner.Err()
}

func printMessage(msg marketchat.Message, selfID int) {
	who := "them"
	if msg.SenderID == selfID {
		who = "me"
	}
	suffix := ""
	switch msg.State {
	case marketchat.MessagePending:
		suffix = " (sending...)"
	case marketchat.MessageFailed:
		suffix = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", formatTime(msg.SentAt), who, msg.Content, suffix)
}
