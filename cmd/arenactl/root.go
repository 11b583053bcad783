package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sammy995/Local-LLM-Arena/internal/api"
	"github.com/sammy995/Local-LLM-Arena/internal/auth"
	"github.com/sammy995/Local-LLM-Arena/internal/config"
	"github.com/sammy995/Local-LLM-Arena/internal/conversation"
	"github.com/sammy995/Local-LLM-Arena/internal/dispatch"
	"github.com/sammy995/Local-LLM-Arena/internal/domain"
	"github.com/sammy995/Local-LLM-Arena/internal/provider/ollama"
	"github.com/sammy995/Local-LLM-Arena/internal/provider/openai"
	"github.com/sammy995/Local-LLM-Arena/internal/router"
)

type services struct {
	cfg     *config.Config
	models  api.ModelService
	backend dispatch.Backend
}

type loader func() (*services, error)

func loadServices() (*services, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	providers := make(map[string]router.Provider)
	if cfg.OllamaHost != "" {
		p, err := ollama.New(cfg.OllamaHost, ollama.WithTimeout(cfg.RequestTimeout))
		if err != nil {
			return nil, err
		}
		providers["ollama"] = p
	}
	if cfg.OpenAIBaseURL != "" {
		providers["openai"] = openai.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, openai.WithTimeout(cfg.RequestTimeout))
	}

	r := router.New(providers, router.Config{DefaultProvider: cfg.DefaultProvider})
	return &services{cfg: cfg, models: r, backend: r}, nil
}

func newRootCmd(load loader) *cobra.Command {
	var (
		logLevel string
		svc      *services
	)

	root := &cobra.Command{
		Use:           "arenactl",
		Short:         "Local LLM arena utilities",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogger(logLevel)
			var err error
			svc, err = load()
			return err
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level: debug|info|warn|error")

	get := func() *services { return svc }
	root.AddCommand(newModelsCmd(get), newAskCmd(get), newHashTokenCmd())
	return root
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print a bcrypt hash for WEB_CHAT_TOKEN_HASH",
		Args:  cobra.ExactArgs(1),
		// Needs no backend, so skip the root loader.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newModelsCmd(svc func() *services) *cobra.Command {
	var provider string

	modelsCmd := &cobra.Command{Use: "models", Short: "List, pull and remove models"}
	modelsCmd.PersistentFlags().StringVar(&provider, "provider", "", "Provider to manage (defaults to DEFAULT_PROVIDER)")

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List installed models",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			models, err := svc().models.ListModels(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPROVIDER\tSIZE")
			for _, m := range models {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", m.Name, m.Provider, humanSize(m.Size))
			}
			return tw.Flush()
		},
	}

	pullCmd := &cobra.Command{
		Use:     "pull <model>",
		Short:   "Download a model",
		Example: "  arenactl models pull gemma3:1b",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			last := ""
			err := svc().models.Pull(cmd.Context(), provider, args[0], func(p domain.PullProgress) {
				if p.Total > 0 {
					fmt.Fprintf(out, "%s %d%%\n", p.Status, p.Completed*100/p.Total)
					return
				}
				if p.Status != last {
					fmt.Fprintln(out, p.Status)
					last = p.Status
				}
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "pulled %s\n", args[0])
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:     "rm <model>",
		Aliases: []string{"delete"},
		Short:   "Remove a model",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := svc().models.Delete(cmd.Context(), provider, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}

	modelsCmd.AddCommand(listCmd, pullCmd, rmCmd)
	return modelsCmd
}

func newAskCmd(svc func() *services) *cobra.Command {
	var (
		models []string
		system string
		stream bool
	)

	cmd := &cobra.Command{
		Use:     "ask <message>",
		Short:   "Send one prompt to several models and print their replies",
		Example: "  arenactl ask -m gemma3:1b -m ministral-3:3b \"why is the sky blue?\"\n  arenactl ask --stream -m gemma3:1b hello",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := svc()
			builder := conversation.NewBuilder(conversation.Config{
				SystemPrompt:  s.cfg.SystemPrompt,
				HistoryLimit:  s.cfg.HistoryLimit,
				DefaultModel:  s.cfg.DefaultModel,
				SeedZeroUnset: s.cfg.SeedZeroUnset,
			})
			coordinator := dispatch.New(s.backend, dispatch.Config{
				MaxConcurrency: s.cfg.MaxConcurrentRequests,
				BufferSize:     s.cfg.StreamBuffer,
			})

			req, err := builder.Build(domain.ChatRequest{
				Message: strings.Join(args, " "),
				System:  system,
				Models:  models,
			})
			if err != nil {
				return err
			}

			if stream {
				return askStream(cmd.Context(), cmd.OutOrStdout(), coordinator, req)
			}
			return askJoin(cmd.Context(), cmd.OutOrStdout(), coordinator, req)
		},
	}
	cmd.Flags().StringArrayVarP(&models, "model", "m", nil, "Model to ask (repeatable)")
	cmd.Flags().StringVar(&system, "system", "", "System prompt (defaults to SYSTEM_PROMPT)")
	cmd.Flags().BoolVar(&stream, "stream", false, "Print events as NDJSON while models generate")
	return cmd
}

type askResult struct {
	Assistant string          `json:"assistant,omitempty"`
	Metrics   *domain.Metrics `json:"metrics,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func askJoin(ctx context.Context, out io.Writer, c *dispatch.Coordinator, req domain.DispatchRequest) error {
	results, err := c.Dispatch(ctx, req)
	if err != nil {
		return err
	}

	printable := make(map[string]askResult, len(results))
	for id, res := range results {
		r := askResult{Assistant: res.Content, Metrics: res.Metrics}
		if res.Err != nil {
			r.Error = res.Err.Error()
		}
		printable[id] = r
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(printable)
}

func askStream(ctx context.Context, out io.Writer, c *dispatch.Coordinator, req domain.DispatchRequest) error {
	req.Streaming = true
	stream, err := c.Stream(ctx, req)
	if err != nil {
		return err
	}
	defer stream.Close()

	enc := json.NewEncoder(out)
	for ev := range stream.Events(ctx) {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return ctx.Err()
}

func humanSize(n int64) string {
	const unit = 1024
	if n <= 0 {
		return "-"
	}
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
