package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	client "flowmesh/clients/go"
)

var (
	serverAddr string
	timeout    int
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "flowmesh-cli",
		Short: "flowmesh - process engine CLI",
		Long:  `flowmesh-cli drives the HTTP API of a flowmesh node`,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "localhost:8080", "Server address")
	rootCmd.PersistentFlags().IntVar(&timeout, "timeout", 30, "Request timeout in seconds")

	// Add subcommands
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(clusterCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newClient() (*client.Client, context.Context, context.CancelFunc) {
	d := time.Duration(timeout) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), d)
	return client.New(serverAddr, &client.Options{Timeout: d}), ctx, cancel
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseObject parses an optional JSON object argument.
func parseObject(args []string, i int) (map[string]any, error) {
	out := map[string]any{}
	if len(args) <= i || args[i] == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(args[i]), &out); err != nil {
		return nil, fmt.Errorf("argument must be a JSON object: %w", err)
	}
	return out, nil
}
