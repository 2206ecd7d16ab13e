package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/vizchat/internal/state"
	"github.com/user/vizchat/internal/types"
	"github.com/user/vizchat/internal/validate"
)

func init() {
	rootCmd.AddCommand(generationCmd)
	generationCmd.AddCommand(generationStopCmd, generationShowCmd)
}

var generationCmd = &cobra.Command{
	Use:   "generation",
	Short: "Inspect and control AI generations",
}

var generationStopCmd = &cobra.Command{
	Use:   "stop <chatId>",
	Short: "Stop the running generation of a chat",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		body, err := json.Marshal(validate.StopRequest{ChatID: types.ChatID(args[0])})
		if err != nil {
			return err
		}

		url := daemonURL(cfg.HTTP.Listen) + "/api/stop-generation"
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("contact daemon: %w", err)
		}
		defer resp.Body.Close()

		var out struct {
			Stopped bool   `json:"stopped"`
			Error   string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("stop generation: %s (HTTP %d)", out.Error, resp.StatusCode)
		}
		if out.Stopped {
			fmt.Fprintf(os.Stdout, "Stopped generation for chat %s.\n", args[0])
		} else {
			fmt.Fprintf(os.Stdout, "No generation running for chat %s.\n", args[0])
		}
		return nil
	},
}

var generationShowCmd = &cobra.Command{
	Use:   "show <generationId>",
	Short: "Print the stored diff of a generation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		rec, err := state.NewDiffStore(cfg.DataDir).Get(context.Background(), types.GenerationID(args[0]))
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "generation %s  chat %s  %s\n\n", rec.GenerationID, rec.ChatID, rec.CreatedAt.Format(time.RFC3339))
		fmt.Fprint(os.Stdout, rec.Unified)
		return nil
	},
}

// daemonURL turns a listen address into a base URL reachable locally.
func daemonURL(listen string) string {
	if strings.HasPrefix(listen, ":") {
		listen = "127.0.0.1" + listen
	}
	return "http://" + listen
}
