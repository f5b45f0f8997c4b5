package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newTopicsCmd(opts *rootOpts) *cobra.Command {
	var showAliases bool

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List knowledge topics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopics(cmd, opts, showAliases)
		},
	}

	cmd.Flags().BoolVar(&showAliases, "aliases", false, "also list topic aliases")
	return cmd
}

func runTopics(cmd *cobra.Command, opts *rootOpts, showAliases bool) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	store, err := loadKnowledge(cfg, newLogger(cmd, cfg))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, t := range store.Topics() {
		fmt.Fprintln(out, t)
	}

	if showAliases {
		aliases := store.Aliases()
		names := make([]string, 0, len(aliases))
		for a := range aliases {
			names = append(names, a)
		}
		sort.Strings(names)
		if len(names) > 0 {
			fmt.Fprintln(out)
		}
		for _, a := range names {
			fmt.Fprintf(out, "%s -> %s\n", a, aliases[a])
		}
	}
	return nil
}

func newTopicCmd(opts *rootOpts) *cobra.Command {
	return &cobra.Command{
		Use:   "topic <name>",
		Short: "Print the knowledge text for a topic",
		Long:  "Prints exactly what the model receives for a CONTEXT request, including the not-found message for unknown topics.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTopic(cmd, opts, args[0])
		},
	}
}

func runTopic(cmd *cobra.Command, opts *rootOpts, name string) error {
	cfg, err := loadConfig(cmd, opts)
	if err != nil {
		return err
	}
	store, err := loadKnowledge(cfg, newLogger(cmd, cfg))
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), store.Resolve(name))
	return nil
}
