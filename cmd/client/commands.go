package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/omochice/chat-bridge/internal/api"
	"github.com/omochice/chat-bridge/internal/client"
	"github.com/omochice/chat-bridge/internal/config"
	"github.com/omochice/chat-bridge/internal/dispatch"
	"github.com/omochice/chat-bridge/internal/metrics"
	"github.com/omochice/chat-bridge/internal/stream"
	"github.com/omochice/chat-bridge/internal/transport/ws"
	"github.com/omochice/chat-bridge/pkg/protocol"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

func (a *app) apiClient() *api.Client {
	return api.New(a.cfg.BaseURL, api.WithLogin(a.cfg.UseLogin), api.WithLogger(a.logger))
}

func question(args []string) protocol.ChatRequest {
	return protocol.ChatRequest{
		Messages: []protocol.ChatMessage{{Role: "user", Content: strings.Join(args, " ")}},
	}
}

func newAskCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ask QUESTION...",
		Short: "Ask a single question with POST /ask",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.apiClient().Ask(cmd.Context(), question(args), a.cfg.IDToken)
			if err != nil {
				return err
			}
			if answer, ok := resp["answer"].(string); ok {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), answer)
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(resp)
		},
	}
}

func newChatCmd(a *app) *cobra.Command {
	var overHTTP bool
	var correlate bool

	cmd := &cobra.Command{
		Use:   "chat [QUESTION...]",
		Short: "Stream a reply; without a question, chat interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			apiClient := a.apiClient()

			var send func(context.Context, protocol.ChatRequest) (*http.Response, error)
			if overHTTP {
				send = func(ctx context.Context, req protocol.ChatRequest) (*http.Response, error) {
					return apiClient.Chat(ctx, req, a.cfg.IDToken)
				}
			} else {
				bridge, closeConn, err := a.connect(ctx, apiClient, correlate || a.cfg.Stream.Correlate)
				if err != nil {
					return err
				}
				defer closeConn()
				send = func(ctx context.Context, req protocol.ChatRequest) (*http.Response, error) {
					return bridge.Chat(ctx, req, a.cfg.IDToken)
				}
			}

			if len(args) > 0 {
				_, err := streamReply(ctx, cmd.OutOrStdout(), send, question(args))
				return err
			}
			return interactive(ctx, cmd.InOrStdin(), cmd.OutOrStdout(), send)
		},
	}
	cmd.Flags().BoolVar(&overHTTP, "http", false, "use POST /chat instead of the pub/sub connection")
	cmd.Flags().BoolVar(&correlate, "correlate", false, "tag requests and filter replies by correlation id")
	return cmd
}

// connect opens the pub/sub connection and the bridge on top of it.
func (a *app) connect(ctx context.Context, negotiator client.Negotiator, correlate bool) (*stream.Bridge, func(), error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, nil, err
	}
	stopMetrics := a.serveMetrics(reg)

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	conn, err := client.Initialize(startCtx, negotiator, ws.Dialer{Timeout: 10 * time.Second},
		client.WithLogger(a.logger),
		client.WithMetrics(m),
	)
	if err != nil {
		stopMetrics()
		return nil, nil, err
	}

	bridge := &stream.Bridge{
		Source:    conn,
		Sender:    dispatch.New(conn, dispatch.WithLogin(a.cfg.UseLogin), dispatch.WithLogger(a.logger), dispatch.WithMetrics(m)),
		Correlate: correlate,
		Options:   []stream.Option{stream.WithLogger(a.logger), stream.WithMetrics(m)},
	}
	return bridge, func() {
		conn.Close()
		stopMetrics()
	}, nil
}

// serveMetrics exposes reg on metrics.addr while the command runs.
func (a *app) serveMetrics(reg *prometheus.Registry) func() {
	if a.cfg.Metrics.Addr == "" {
		return func() {}
	}
	srv := &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn().Err(err).Msg("metrics server failed")
		}
	}()
	return func() { _ = srv.Close() }
}

// streamReply sends req and prints the streamed content as it arrives. It
// returns the full reply text.
func streamReply(ctx context.Context, out io.Writer, send func(context.Context, protocol.ChatRequest) (*http.Response, error), req protocol.ChatRequest) (string, error) {
	resp, err := send(ctx, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode > 299 {
		return "", &api.Error{StatusCode: resp.StatusCode, Message: "chat failed: " + resp.Status}
	}

	var reply strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var chunk protocol.ChatChunk
		if err := json.Unmarshal(scanner.Bytes(), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		reply.WriteString(content)
		if _, err := io.WriteString(out, content); err != nil {
			return reply.String(), err
		}
	}
	if _, err := fmt.Fprintln(out); err != nil {
		return reply.String(), err
	}
	return reply.String(), errors.Wrap(scanner.Err(), "reply stream failed")
}

// interactive reads questions line by line and keeps the conversation
// history across turns.
func interactive(ctx context.Context, in io.Reader, out io.Writer, send func(context.Context, protocol.ChatRequest) (*http.Response, error)) error {
	var history []protocol.ChatMessage
	scanner := bufio.NewScanner(in)
	for {
		if _, err := io.WriteString(out, "> "); err != nil {
			return err
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if text == "/quit" {
			return nil
		}

		history = append(history, protocol.ChatMessage{Role: "user", Content: text})
		reply, err := streamReply(ctx, out, send, protocol.ChatRequest{Messages: history})
		if err != nil {
			return err
		}
		history = append(history, protocol.ChatMessage{Role: "assistant", Content: reply})
	}
}

func newCitationCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "citation NAME",
		Short: "Print the URL of a cited document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), a.apiClient().CitationURL(args[0]))
			return err
		},
	}
}

func newConfigCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := config.Dump(a.cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
