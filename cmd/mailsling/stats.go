package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/mailsling/mailsling/internal/api"
)

var (
	statsURL    string
	statsAPIKey string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate send and unsubscribe counts",
	Long:  `Query a running Mailsling instance for aggregate delivery-log and unsubscribe counts.`,
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().StringVar(&statsURL, "url", "http://localhost:8080", "Base URL of the running service")
	statsCmd.Flags().StringVar(&statsAPIKey, "api-key", "", "API key, if the service requires one")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 10 * time.Second}

	req, err := http.NewRequest(http.MethodGet, statsURL+"/api/v1/stats", nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if statsAPIKey != "" {
		req.Header.Set("X-API-Key", statsAPIKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to query service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp api.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("service returned %s: %s", resp.Status, errResp.Error)
		}
		return fmt.Errorf("service returned %s", resp.Status)
	}

	var stats api.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Client sends:  %d\n", stats.TotalClientSent)
	fmt.Printf("Student sends: %d\n", stats.TotalStudentSent)
	fmt.Printf("Total sends:   %d\n", stats.TotalAllSent)
	fmt.Printf("Unsubscribes:  %d\n", stats.UnsubCount)

	return nil
}
