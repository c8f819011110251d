package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Cache and coordinator introspection commands",
	Long:  `Commands for inspecting a running shuttercore instance's cache, pool, and window state.`,
}

var cacheStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the coordinator's current pool, window, and cache status",
	RunE:  runCacheStatus,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheStatusCmd)
	cacheStatusCmd.Flags().String("addr", "http://localhost:8080", "Base URL of a running shuttercore instance")
}

func runCacheStatus(cmd *cobra.Command, args []string) error {
	addr := mustGetString(cmd, "addr")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(addr + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("requesting status from %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading status response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed (%d): %s", resp.StatusCode, body)
	}

	var pretty map[string]any
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	out, err := json.MarshalIndent(pretty, "", "  ")
	if err != nil {
		return fmt.Errorf("formatting status: %w", err)
	}
	fmt.Println(string(out))
	return nil
}
