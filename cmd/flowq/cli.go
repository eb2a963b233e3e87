package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/flowq/pkg/client"
)

var (
	serverURL   string
	apiToken    string
	outputJSON  bool
	callTimeout time.Duration
)

func addClientFlags(cmds ...*cobra.Command) {
	for _, cmd := range cmds {
		cmd.Flags().StringVar(&serverURL, "server", envOr("FLOWQ_SERVER", "http://localhost:8080"), "flowq server URL")
		cmd.Flags().StringVar(&apiToken, "token", os.Getenv("FLOWQ_TOKEN"), "Bearer token")
		cmd.Flags().BoolVar(&outputJSON, "output-json", false, "Output as JSON")
		cmd.Flags().DurationVar(&callTimeout, "timeout", 30*time.Second, "Request timeout")
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newClient() *client.Client {
	return client.New(serverURL, client.WithToken(apiToken))
}

func callContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), callTimeout)
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	json.Indent(&buf, data, "", "  ")
	fmt.Fprintln(os.Stdout, buf.String())
	return nil
}
