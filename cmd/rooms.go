package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"p2pcall/internal/app/rooms"
	"p2pcall/internal/config"
	"p2pcall/internal/ui"
	"p2pcall/pkg/presence"
)

var (
	roomsOpts  config.Options
	flagServer string
)

var roomsCmd = &cobra.Command{
	Use:   "rooms",
	Short: "List live rooms on a relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(roomsOpts)
		if err != nil {
			return err
		}
		base := flagServer
		if base == "" {
			if base, err = httpBase(cfg.SignalURL); err != nil {
				return err
			}
		}
		listing, err := fetchRooms(cmd.Context(), base)
		if err != nil {
			return err
		}
		printRooms(base, listing)
		return nil
	},
}

// httpBase turns a relay websocket URL into the HTTP origin serving the API.
func httpBase(signalURL string) (string, error) {
	u, err := url.Parse(signalURL)
	if err != nil {
		return "", fmt.Errorf("parse signal url: %w", err)
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	case "ws":
		u.Scheme = "http"
	}
	u.Path = strings.TrimSuffix(strings.TrimSuffix(u.Path, "/"), "/ws")
	u.RawQuery = ""
	return strings.TrimSuffix(u.String(), "/"), nil
}

// roomListing is the body of GET /api/rooms. Presence is only sent by relays
// running with a presence mirror.
type roomListing struct {
	Rooms    []rooms.Stats `json:"rooms"`
	Presence *struct {
		presence.Report
		Error string `json:"error"`
	} `json:"presence"`
}

func fetchRooms(ctx context.Context, base string) (roomListing, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/rooms", nil)
	if err != nil {
		return roomListing{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return roomListing{}, fmt.Errorf("list rooms: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return roomListing{}, fmt.Errorf("list rooms: %s", resp.Status)
	}

	var out roomListing
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return roomListing{}, fmt.Errorf("decode rooms: %w", err)
	}
	return out, nil
}

func printRooms(base string, listing roomListing) {
	fmt.Fprintln(ui.Out, ui.TitleStyle.Render("Live rooms on "+base))
	ui.RenderRoomTable(listing.Rooms)
	p := listing.Presence
	if p == nil {
		return
	}
	switch {
	case p.Error != "":
		ui.PrintWarning("presence mirror unreadable: " + p.Error)
	case !p.Consistent:
		ui.PrintWarning("presence mirror disagrees on " + strings.Join(p.Drift, ", "))
	default:
		ui.PrintSuccess(fmt.Sprintf("presence mirror agrees (%d rooms)", len(p.Rooms)))
	}
}

func init() {
	rootCmd.AddCommand(roomsCmd)

	roomsCmd.Flags().StringVar(&flagServer, "server", "", "Relay HTTP origin (default derived from SIGNAL_URL)")
	roomsCmd.Flags().StringVar(&roomsOpts.SignalURL, "signal-url", "", "Relay websocket URL (env SIGNAL_URL)")
}
