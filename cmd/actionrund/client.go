package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiCall sends one management API request and pretty-prints the JSON
// response to stdout.
func apiCall(cmd *cobra.Command, method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(cmd.Context(), method, strings.TrimRight(serverAddr, "/")+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}

	client := &http.Client{Timeout: 5 * time.Minute}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if len(raw) > 0 {
		var out bytes.Buffer
		if json.Indent(&out, raw, "", "  ") == nil {
			raw = out.Bytes()
		}
		fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(raw)))
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	return nil
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, circuit, connection and rate-limit state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return apiCall(cmd, http.MethodGet, "/status", nil)
		},
	}
}

func buildSubmitCommand() *cobra.Command {
	var (
		params   string
		file     string
		priority int
		appID    string
		timeout  time.Duration
		wait     bool
	)
	cmd := &cobra.Command{
		Use:   "submit <operation-id>",
		Short: "Submit a job",
		Long: `Submit a job for an operation. Parameters are a JSON object given
with --params, or read from --file ("-" for stdin).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(params)
			if file != "" {
				var err error
				if file == "-" {
					raw, err = io.ReadAll(cmd.InOrStdin())
				} else {
					raw, err = os.ReadFile(file)
				}
				if err != nil {
					return err
				}
			}
			var p map[string]any
			if len(bytes.TrimSpace(raw)) > 0 {
				if err := json.Unmarshal(raw, &p); err != nil {
					return fmt.Errorf("params must be a JSON object: %w", err)
				}
			}
			return apiCall(cmd, http.MethodPost, "/jobs", map[string]any{
				"operation_id": args[0],
				"params":       p,
				"priority":     priority,
				"app_id":       appID,
				"timeout_ms":   timeout.Milliseconds(),
				"wait":         wait,
			})
		},
	}
	cmd.Flags().StringVarP(&params, "params", "p", "", "JSON object of parameters")
	cmd.Flags().StringVarP(&file, "file", "f", "", "read parameters from a file")
	cmd.Flags().IntVar(&priority, "priority", 0, "job priority; higher runs first")
	cmd.Flags().StringVar(&appID, "app", "", "application id for session and rate limiting")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-attempt timeout")
	cmd.Flags().BoolVarP(&wait, "wait", "w", false, "wait for the result")
	cmd.MarkFlagsMutuallyExclusive("params", "file")
	return cmd
}

func buildCancelCommand() *cobra.Command {
	var operation bool
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a queued job, or every queued job of an operation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if operation {
				return apiCall(cmd, http.MethodDelete, "/operations/"+url.PathEscape(args[0])+"/jobs", nil)
			}
			return apiCall(cmd, http.MethodDelete, "/jobs/"+url.PathEscape(args[0]), nil)
		},
	}
	cmd.Flags().BoolVar(&operation, "operation", false, "treat the argument as an operation id")
	return cmd
}

func buildDeadLettersCommand() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "List dead-lettered jobs, newest first",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return apiCall(cmd, http.MethodGet, "/deadletters?limit="+strconv.Itoa(limit), nil)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum entries; 0 lists all")
	return cmd
}

func buildReplayCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dead-letter-id>",
		Short: "Requeue a dead-lettered job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiCall(cmd, http.MethodPost, "/deadletters/"+url.PathEscape(args[0])+"/replay", nil)
		},
	}
}
