package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meulify/mai/internal/agent"
)

func newAskCmd(opts *rootOpts) *cobra.Command {
	var (
		user    string
		channel string
	)

	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask MAI one question from the terminal",
		Long: "Runs a single question through the same pipeline the bot uses, without Discord. " +
			"Knowledge lookups work; transcript searches report that no transcripts are available.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAsk(cmd, opts, strings.Join(args, " "), user, channel)
		},
	}

	cmd.Flags().StringVar(&user, "user", "terminal", "requester name shown to the model")
	cmd.Flags().StringVar(&channel, "channel", "general", "channel name shown to the model")
	return cmd
}

func runAsk(cmd *cobra.Command, opts *rootOpts, question, user, channel string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, cfg)

	proc, _, _, err := buildProcessor(cfg, logger, nil)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	res := proc.Process(context.Background(), agent.Query{
		Text:      question,
		Requester: user,
		Channel:   channel,
		Channels:  []string{channel},
	}, agent.Tools{
		Search: func(ctx context.Context, query, scope string) (string, error) {
			return fmt.Sprintf("AVISO DEL SISTEMA: %s. No hay historial de canales disponible fuera de Discord.", agent.NoMatchesPhrase), nil
		},
		Status: func(ctx context.Context, text string) {
			fmt.Fprintln(errOut, text)
		},
	})

	if res.Text != "" {
		fmt.Fprintln(out, res.Text)
	}
	if res.Reaction != "" {
		fmt.Fprintf(out, "(reacción: %s)\n", res.Reaction)
	}
	if res.Failed {
		return fmt.Errorf("ask: the model did not answer")
	}
	return nil
}
