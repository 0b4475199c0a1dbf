// ABOUTME: Client subcommands that query a running gateway over HTTP
// ABOUTME: health checks liveness; agents lists connected agents as a table

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/2389/coven-control/internal/apierr"
	"github.com/2389/coven-control/internal/gateway"
)

const clientTimeout = 10 * time.Second

// target is the gateway a client command talks to.
type target struct {
	opts  *options
	addr  string
	token string
}

func (t *target) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&t.addr, "addr", "", "Gateway base URL or host:port (default from config)")
}

func (t *target) baseURL() (string, error) {
	addr := t.addr
	scheme := "http"
	if addr == "" {
		cfg, err := t.opts.load()
		if err != nil {
			return "", err
		}
		addr = cfg.Server.HTTPAddr
		if cfg.Server.TLSEnabled() {
			scheme = "https"
		}
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/"), nil
	}
	return scheme + "://" + addr, nil
}

// get performs a GET and decodes a JSON response into out.
func (t *target) get(ctx context.Context, path string, out any) error {
	base, err := t.baseURL()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, clientTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		apiErr := apierr.Parse(resp.StatusCode, body)
		return fmt.Errorf("status %d: %s: %s", apiErr.Status, apiErr.Code, apiErr.Message)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func newHealthCmd(opts *options) *cobra.Command {
	t := &target{opts: opts}

	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var health gateway.HealthResponse
			if err := t.get(cmd.Context(), "/health", &health); err != nil {
				return fmt.Errorf("health check failed: %w", err)
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s (%d agents, up %s)\n",
				health.Status, health.Agents, time.Duration(health.UptimeSeconds)*time.Second)
			return err
		},
	}
	t.bind(cmd)

	return cmd
}

func newAgentsCmd(opts *options) *cobra.Command {
	t := &target{opts: opts}
	var tag, status string

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if t.token == "" {
				t.token = os.Getenv("COVEN_CONTROL_TOKEN")
			}

			query := url.Values{}
			if tag != "" {
				query.Set("tag", tag)
			}
			if status != "" {
				query.Set("status", status)
			}
			path := "/api/agents"
			if len(query) > 0 {
				path += "?" + query.Encode()
			}

			var list gateway.AgentListResponse
			if err := t.get(cmd.Context(), path, &list); err != nil {
				return fmt.Errorf("listing agents: %w", err)
			}

			out := cmd.OutOrStdout()
			if list.Count == 0 {
				_, err := fmt.Fprintln(out, "no agents connected")
				return err
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNICKNAME\tSTATUS\tTAGS\tLAST SEEN")
			for _, a := range list.Agents {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					a.ID, a.Nickname, a.Status, strings.Join(a.Tags, ","),
					a.LastSeenAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
	t.bind(cmd)
	cmd.Flags().StringVar(&t.token, "token", "", "API token (default $COVEN_CONTROL_TOKEN)")
	cmd.Flags().StringVar(&tag, "tag", "", "Only agents with this tag")
	cmd.Flags().StringVar(&status, "status", "", "Only agents with this status (online, offline)")

	return cmd
}
