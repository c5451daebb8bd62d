// Package main is the command line client of the relocation service.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/stanstork/stratum-relocator/internal/models"
)

const version = "0.1.0"

type cli struct {
	apiURL  string
	output  string
	timeout time.Duration
	client  *http.Client
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	rootCmd := &cobra.Command{
		Use:          "stratumctl",
		Short:        "Stratum table relocation CLI",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if c.apiURL == "" {
				c.apiURL = os.Getenv("STRATUM_API_URL")
			}
			if c.apiURL == "" {
				c.apiURL = "http://localhost:8080"
			}
			c.apiURL = strings.TrimRight(c.apiURL, "/")
			c.client = &http.Client{Timeout: c.timeout}
		},
	}

	rootCmd.PersistentFlags().StringVar(&c.apiURL, "api-url", "", "API endpoint URL (or set STRATUM_API_URL)")
	rootCmd.PersistentFlags().StringVar(&c.output, "output", "text", "Output format: text, json")
	rootCmd.PersistentFlags().DurationVar(&c.timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(c.submitCmd())
	rootCmd.AddCommand(c.statusCmd())
	rootCmd.AddCommand(c.activeCmd())
	rootCmd.AddCommand(c.failCmd())
	rootCmd.AddCommand(c.eventsCmd())
	rootCmd.AddCommand(c.exportCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stratumctl version %s\n", version)
		},
	}
}

func (c *cli) submitCmd() *cobra.Command {
	var target string
	cmd := &cobra.Command{
		Use:   "submit TABLE_ID",
		Short: "Relocate a table to another schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload := map[string]string{"targetSchema": target}
			status, body, err := c.do(http.MethodPost, "/api/tables/"+args[0]+"/migrations", payload)
			if err != nil {
				return err
			}
			if status != http.StatusAccepted && status != http.StatusConflict {
				return handleErrorResponse(status, body)
			}
			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var result models.SubmitResult
			if err := json.Unmarshal(body, &result); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s job %d: %s\n", result.Status, result.JobID, result.Message)
			return nil
		},
	}
	cmd.Flags().StringVar(&target, "target", "", "Target schema (required)")
	cmd.MarkFlagRequired("target")
	return cmd
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show the status of a migration job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := c.do(http.MethodGet, "/api/migrations/"+args[0], nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}
			return c.printDetails(cmd.OutOrStdout(), body)
		},
	}
}

func (c *cli) activeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active TABLE_ID",
		Short: "Check whether a table has an active migration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := c.do(http.MethodGet, "/api/tables/"+args[0]+"/migration", nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}
			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}
			var active models.ActiveMigration
			if err := json.Unmarshal(body, &active); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			if !active.HasActiveMigration {
				fmt.Fprintf(cmd.OutOrStdout(), "No active migration for table %s\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %d is %s\n", *active.JobID, *active.Status)
			return nil
		},
	}
}

func (c *cli) failCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "fail JOB_ID",
		Short: "Force a stuck migration job to FAILED and clean it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, body, err := c.do(http.MethodPost, "/api/migrations/"+args[0]+"/fail", map[string]string{"reason": reason})
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}
			return c.printDetails(cmd.OutOrStdout(), body)
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Failure reason recorded on the job")
	return cmd
}

func (c *cli) eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events JOB_ID",
		Short: "List lifecycle events of a migration job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := fmt.Sprintf("/api/migrations/%s/events?limit=%d", args[0], limit)
			status, body, err := c.do(http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			if status != http.StatusOK {
				return handleErrorResponse(status, body)
			}
			if c.output == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), string(body))
				return nil
			}

			var resp struct {
				Events []models.Notification `json:"events"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return fmt.Errorf("parsing response: %w", err)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 3, ' ', 0)
			fmt.Fprintln(w, "TIME\tEVENT\tSEVERITY\tMESSAGE")
			fmt.Fprintln(w, "----\t-----\t--------\t-------")
			for _, e := range resp.Events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CreatedAt.Format("2006-01-02 15:04:05"), e.EventType, e.Severity, e.Message)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export TABLE_ID",
		Short: "Download a table as an Arrow IPC stream",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodGet, c.apiURL+"/api/tables/"+args[0]+"/export", nil)
			if err != nil {
				return err
			}
			// Exports can outlive the request timeout.
			resp, err := (&http.Client{}).Do(req)
			if err != nil {
				return fmt.Errorf("API request failed: %w", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(resp.Body)
				return handleErrorResponse(resp.StatusCode, body)
			}

			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := io.Copy(f, resp.Body)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("writing %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", n, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Output file (required)")
	cmd.MarkFlagRequired("out")
	return cmd
}

func (c *cli) printDetails(w io.Writer, body []byte) error {
	if c.output == "json" {
		fmt.Fprintln(w, string(body))
		return nil
	}
	var d models.JobDetails
	if err := json.Unmarshal(body, &d); err != nil {
		return fmt.Errorf("parsing response: %w", err)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	fmt.Fprintf(tw, "Job:\t%d\n", d.JobID)
	fmt.Fprintf(tw, "Name:\t%s\n", d.JobName)
	fmt.Fprintf(tw, "Status:\t%s\n", d.Status)
	fmt.Fprintf(tw, "Created:\t%s\n", d.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(tw, "Updated:\t%s\n", d.UpdatedAt.Format(time.RFC3339))
	if d.Result != nil {
		fmt.Fprintf(tw, "Now at:\t%s.%s\n", d.Result.TargetSchema, d.Result.ShadowTable)
		if d.Result.Detail != "" {
			fmt.Fprintf(tw, "Detail:\t%s\n", d.Result.Detail)
		}
	}
	if d.FailureReason != nil {
		fmt.Fprintf(tw, "Reason:\t%s\n", *d.FailureReason)
	}
	return tw.Flush()
}

func (c *cli) do(method, path string, payload interface{}) (int, []byte, error) {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return 0, nil, err
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.apiURL+path, reader)
	if err != nil {
		return 0, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("reading response: %w", err)
	}
	return resp.StatusCode, body, nil
}

func handleErrorResponse(statusCode int, body []byte) error {
	var errResp struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != "" {
		return fmt.Errorf("Error: %s", errResp.Error)
	}
	return fmt.Errorf("Error: server returned status %d", statusCode)
}
