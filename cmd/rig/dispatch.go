package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/lolwierd/rig/internal/session"
)

// apiClient talks to a running `rig serve` instance.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(server, token string) *apiClient {
	return &apiClient{
		base:  server,
		token: token,
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach rig server at %s: %w", c.base, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server: %s", apiErr.Error)
		}
		return fmt.Errorf("server returned %s", resp.Status)
	}

	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// addServerFlags registers the connection flags shared by every client verb.
func addServerFlags(cmd *cobra.Command, server, token *string) {
	cmd.Flags().StringVar(server, "server", "http://127.0.0.1:8390", "rig server URL")
	cmd.Flags().StringVar(token, "token", "", "bearer token for the rig server")
}

func newDispatchCmd() *cobra.Command {
	var (
		server        string
		token         string
		cwd           string
		provider      string
		model         string
		thinkingLevel string
	)

	cmd := &cobra.Command{
		Use:   "dispatch <message>",
		Short: "Send a prompt to a new agent process",
		Long:  "Spawns an agent in the given working directory and sends the prompt as its first turn. Repeats of the same request inside the dedupe window land on the existing bridge.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			req := session.DispatchRequest{
				Cwd:           cwd,
				Message:       args[0],
				Provider:      provider,
				Model:         model,
				ThinkingLevel: thinkingLevel,
			}
			var res session.DispatchResult
			if err := client.do(http.MethodPost, "/api/dispatch", req, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Deduped {
				fmt.Fprintf(out, "Deduped onto bridge %s\n", res.BridgeID)
				return nil
			}
			fmt.Fprintf(out, "Dispatched to bridge %s\n", res.BridgeID)
			if res.SessionFile != "" {
				fmt.Fprintf(out, "Session file: %s\n", res.SessionFile)
			}
			return nil
		},
	}

	addServerFlags(cmd, &server, &token)
	cmd.Flags().StringVar(&cwd, "cwd", ".", "working directory for the agent")
	cmd.Flags().StringVar(&provider, "provider", "", "model provider override")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model override")
	cmd.Flags().StringVar(&thinkingLevel, "thinking", "", "thinking level (off, low, medium, high)")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var (
		server string
		token  string
		cwd    string
	)

	cmd := &cobra.Command{
		Use:   "resume <session-file>",
		Short: "Resume a recorded agent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			req := struct {
				Cwd         string `json:"cwd"`
				SessionFile string `json:"sessionFile"`
			}{Cwd: cwd, SessionFile: args[0]}
			var res session.ResumeResult
			if err := client.do(http.MethodPost, "/api/resume", req, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.AlreadyActive {
				fmt.Fprintf(out, "Session already live on bridge %s\n", res.BridgeID)
				return nil
			}
			fmt.Fprintf(out, "Resumed on bridge %s\n", res.BridgeID)
			return nil
		},
	}

	addServerFlags(cmd, &server, &token)
	cmd.Flags().StringVar(&cwd, "cwd", ".", "working directory for the agent")
	return cmd
}

func newStopCmd() *cobra.Command {
	var (
		server string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "stop <bridge-id>",
		Short: "Terminate a running bridge",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			req := struct {
				BridgeID string `json:"bridgeId"`
			}{BridgeID: args[0]}
			if err := client.do(http.MethodPost, "/api/stop", req, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stopped %s\n", args[0])
			return nil
		},
	}

	addServerFlags(cmd, &server, &token)
	return cmd
}

func newBridgesCmd() *cobra.Command {
	var (
		server string
		token  string
	)

	cmd := &cobra.Command{
		Use:   "bridges",
		Short: "List running and recently exited bridges",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := newAPIClient(server, token)
			var res struct {
				Bridges []struct {
					BridgeID  string    `json:"bridgeId"`
					Cwd       string    `json:"cwd"`
					SessionID string    `json:"sessionId"`
					Alive     bool      `json:"alive"`
					Created   time.Time `json:"created"`
				} `json:"bridges"`
			}
			if err := client.do(http.MethodGet, "/api/bridges", nil, &res); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(res.Bridges) == 0 {
				fmt.Fprintln(out, "No bridges.")
				return nil
			}
			for _, b := range res.Bridges {
				state := "alive"
				if !b.Alive {
					state = "dead"
				}
				fmt.Fprintf(out, "%-12s %-5s %-19s %s\n", b.BridgeID, state, b.Created.Format("2006-01-02 15:04:05"), b.Cwd)
			}
			return nil
		},
	}

	addServerFlags(cmd, &server, &token)
	return cmd
}
