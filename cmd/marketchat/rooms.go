package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	roomsListJSON   bool
	roomsCreateJSON bool
	roomsInfoJSON   bool
)

func init() {
	rootCmd.AddCommand(roomsCmd)
	roomsCmd.AddCommand(roomsListCmd)
	roomsCmd.AddCommand(roomsCreateCmd)
	roomsCmd.AddCommand(roomsInfoCmd)
	roomsCmd.AddCommand(roomsLeaveCmd)

	roomsListCmd.Flags().BoolVar(&roomsListJSON, "json", false, "Output raw JSON")
	roomsCreateCmd.Flags().BoolVar(&roomsCreateJSON, "json", false, "Output raw JSON")
	roomsInfoCmd.Flags().BoolVar(&roomsInfoJSON, "json", false, "Output raw JSON")
}

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "Manage chat rooms",
	Long:  "List your chat rooms, open one for a listing, inspect room details, or leave a room.",
}

// ============================================================================
// rooms list
// ============================================================================

var roomsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List your chat rooms",
	RunE: func(cmd *cobra.Command, args []string) error {
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		rooms, err := client.Rooms().List(ctx, client.UserID())
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if roomsListJSON {
			data, _ := json.MarshalIndent(rooms, "", "  ")
			fmt.Println(string(data))
			return nil
		}

		if len(rooms) == 0 {
			fmt.Println("No chat rooms yet.")
			return nil
		}
		for _, room := range rooms {
			unread := ""
			if room.UnreadCount > 0 {
				unread = fmt.Sprintf(" (%d unread)", room.UnreadCount)
			}
			fmt.Printf("#%-5d %-30s %s%s\n", room.ID, room.PostTitle, formatTime(room.LastMessageAt), unread)
			if room.LastMessage != "" {
				fmt.Printf("       %s\n", room.LastMessage)
			}
		}
		return nil
	},
}

// ============================================================================
// rooms create
// ============================================================================

var roomsCreateCmd = &cobra.Command{
	Use:   "create <post-id>",
	Short: "Open a chat room with the seller of a listing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		postID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid post id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		room, err := client.Rooms().Create(ctx, postID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if roomsCreateJSON {
			data, _ := json.MarshalIndent(room, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Room #%d opened for %q. Start chatting: marketchat chat %d\n", room.ID, room.PostTitle, room.ID)
		return nil
	},
}

// ============================================================================
// rooms info
// ============================================================================

var roomsInfoCmd = &cobra.Command{
	Use:   "info <room-id>",
	Short: "Show room details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid room id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		info, err := client.Rooms().Info(ctx, roomID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}

		if roomsInfoJSON {
			data, _ := json.MarshalIndent(info, "", "  ")
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("Room:     #%d\n", info.ID)
		fmt.Printf("Listing:  %s (post #%d)\n", info.PostTitle, info.PostID)
		fmt.Printf("With:     %s\n", info.OtherUserNickname)
		return nil
	},
}

// ============================================================================
// rooms leave
// ============================================================================

var roomsLeaveCmd = &cobra.Command{
	Use:   "leave <room-id>",
	Short: "Leave a chat room",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		roomID, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid room id %q", args[0])
		}
		client := getClient()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		if err := client.Rooms().Leave(ctx, roomID); err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		fmt.Printf("Left room #%d.\n", roomID)
		return nil
	},
}
