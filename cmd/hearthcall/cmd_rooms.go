package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hearthshare/hearthcall/internal/config"
	"github.com/hearthshare/hearthcall/internal/pkg/models"
	"github.com/hearthshare/hearthcall/internal/signaling"
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List active rooms in the household",
	Long:  `Query the shared store and print the rooms that currently have participants`,
	Run: func(cmd *cobra.Command, args []string) {
		listRooms(cfgFile)
	},
}

var roomsPurge bool

var roomsCloseCmd = &cobra.Command{
	Use:   "close <room-id>",
	Short: "Mark a room inactive",
	Long: `Flip a room's active flag so it stops appearing in listings and
rejects joins. With --purge the record is removed entirely instead of
being left to expire.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		closeRoom(cfgFile, args[0], roomsPurge)
	},
}

func init() {
	roomsCloseCmd.Flags().BoolVar(&roomsPurge, "purge", false, "delete the room record instead of deactivating it")
	roomsCmd.AddCommand(roomsCloseCmd)
	rootCmd.AddCommand(roomsCmd)
}

func listRooms(configPath string) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := signaling.NewRedisTransport(ctx, cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", cfg.Redis.Addr, err)
		os.Exit(1)
	}
	defer transport.Close()

	store := signaling.NewRoomStore(transport, cfg.Household)
	rooms, err := store.ListActive(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list rooms: %v\n", err)
		os.Exit(1)
	}

	if len(rooms) == 0 {
		fmt.Println("No active rooms.")
		return
	}

	printRooms(rooms)
}

func closeRoom(configPath, roomID string, purge bool) {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	transport, err := signaling.NewRedisTransport(ctx, cfg.Redis)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to %s: %v\n", cfg.Redis.Addr, err)
		os.Exit(1)
	}
	defer transport.Close()

	store := signaling.NewRoomStore(transport, cfg.Household)

	if purge {
		if err := store.Delete(ctx, roomID); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to delete room: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Room %s deleted.\n", roomID)
		return
	}

	if err := store.SetActive(ctx, roomID, false); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to close room: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Room %s closed.\n", roomID)
}

func printRooms(rooms []models.Room) {
	for _, room := range rooms {
		fmt.Printf("%s  %q  %d participant(s)  created %s by %s\n",
			room.ID,
			room.Name,
			room.ParticipantCount(),
			room.CreatedAt.Local().Format("15:04:05"),
			room.CreatedBy,
		)
		for id, p := range room.Participants {
			media := "audio"
			if p.HasVideo {
				media = "audio+video"
			}
			fmt.Printf("    %s (%s, %s)\n", p.DisplayName, id, media)
		}
	}
}
