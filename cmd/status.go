package cmd

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var statusServer string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Query the health endpoint of a running smartend instance",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:8080", "smartend server URL")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{
		Timeout: 5 * time.Second,
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12},
		},
	}
	resp, err := client.Get(statusServer + "/api/v1/health")
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", statusServer, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	var health struct {
		Status    string `json:"status"`
		Version   string `json:"version"`
		Uptime    string `json:"uptime"`
		Stale     bool   `json:"stale"`
		Provinces []struct {
			Province    string `json:"province"`
			Stream      string `json:"stream"`
			Attempts    int    `json:"reconnect_attempts"`
			LastMessage string `json:"last_message"`
		} `json:"provinces"`
		Storage struct {
			Driver string `json:"driver"`
			Path   string `json:"path"`
		} `json:"storage"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&health); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	// Human-readable output.
	fmt.Printf("smartend %s\n", health.Version)
	fmt.Printf("Status: %s\n", health.Status)
	fmt.Printf("Uptime: %s\n", health.Uptime)
	if health.Stale {
		fmt.Println("Cache: STALE")
	}
	fmt.Println()

	if len(health.Provinces) > 0 {
		fmt.Println("Provinces:")
		for _, p := range health.Provinces {
			fmt.Printf("  %s\n", p.Province)
			fmt.Printf("    Stream: %s", p.Stream)
			if p.Attempts > 0 {
				fmt.Printf(" (attempt %d)", p.Attempts)
			}
			fmt.Println()
			if p.LastMessage != "" {
				fmt.Printf("    Last message: %s\n", p.LastMessage)
			}
		}
		fmt.Println()
	}

	if health.Storage.Path != "" {
		fmt.Printf("Storage: %s (%s)\n", health.Storage.Driver, health.Storage.Path)
	} else {
		fmt.Printf("Storage: %s\n", health.Storage.Driver)
	}

	return nil
}
