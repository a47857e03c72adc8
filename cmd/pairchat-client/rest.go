package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// restGet fetches path from the REST fallback and pretty-prints the JSON body.
func restGet(ctx context.Context, cfg *Config, path string, query url.Values, out io.Writer) error {
	u, err := url.Parse(cfg.Server.URL + path)
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}
	u.RawQuery = query.Encode()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Auth.Token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	var body any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("decode response (status %d): %w", resp.StatusCode, err)
	}
	pretty, err := json.MarshalIndent(body, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(pretty))
	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

func newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Show your current user record",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireAuth()
			if err != nil {
				return err
			}
			return restGet(cmd.Context(), cfg, "/api/users/me/state", nil, cmd.OutOrStdout())
		},
	}
}

func newHistoryCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "history <chat-id>",
		Short: "Show one page of a conversation, newest page first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireAuth()
			if err != nil {
				return err
			}
			q := url.Values{}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if cursor != "" {
				q.Set("cursor", cursor)
			}
			return restGet(cmd.Context(), cfg, "/api/chats/"+url.PathEscape(args[0])+"/messages", q, cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (server default 50, max 100)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}
