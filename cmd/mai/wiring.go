package main

import (
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/meulify/mai/internal/agent"
	"github.com/meulify/mai/internal/config"
	"github.com/meulify/mai/internal/knowledge"
	"github.com/meulify/mai/internal/llm"
	"github.com/meulify/mai/internal/logging"
)

// loadConfig reads the config file and applies the logging flags. The file
// is only required when --config was given explicitly.
func loadConfig(cmd *cobra.Command, opts *rootOpts) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}
	if opts.logJSON {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.Config) *log.Logger {
	return logging.New(logging.Options{
		Level:  cfg.Log.Level,
		JSON:   cfg.Log.JSON,
		Output: cmd.ErrOrStderr(),
	})
}

// loadKnowledge returns the configured knowledge table, or the embedded one.
// Validation problems are logged; broken lookups degrade at query time.
func loadKnowledge(cfg *config.Config, logger *log.Logger) (*knowledge.Store, error) {
	var (
		store *knowledge.Store
		err   error
	)
	if cfg.KnowledgeFile != "" {
		store, err = knowledge.Load(cfg.KnowledgeFile)
	} else {
		store, err = knowledge.Default()
	}
	if err != nil {
		return nil, err
	}
	if err := store.Validate(); err != nil {
		logger.Warn("knowledge table has problems", "err", err)
	}
	return store, nil
}

// newInvoker builds the model fallback chain. Tests override it.
var newInvoker = func(cfg *config.Config, logger *log.Logger, client *http.Client) (agent.Invoker, []string, error) {
	chain, err := buildChain(cfg, logger, client)
	if err != nil {
		return nil, nil, err
	}
	return chain, chain.Models(), nil
}

// buildChain creates one Groq backend per configured model. Without an API
// key every backend is unavailable and queries get the apology.
func buildChain(cfg *config.Config, logger *log.Logger, client *http.Client) (*llm.Chain, error) {
	backends := make([]llm.Backend, 0, len(cfg.LLM.Models))

	if cfg.LLM.APIKey == "" {
		logger.Warn("GROQ_API_KEY is missing; running in degraded mode")
		for _, m := range cfg.LLM.Models {
			backends = append(backends, llm.UnavailableBackend{Model: m, Reason: "GROQ_API_KEY not set"})
		}
	} else {
		for _, m := range cfg.LLM.Models {
			b, err := llm.NewGroqBackend(llm.GroqOpts{
				Model:       m,
				APIKey:      cfg.LLM.APIKey,
				BaseURL:     cfg.LLM.BaseURL,
				Temperature: cfg.LLM.Temperature,
				HTTPClient:  client,
			})
			if err != nil {
				return nil, err
			}
			backends = append(backends, b)
		}
	}

	return llm.NewChain(llm.ChainOpts{
		Backends: backends,
		Logger:   logger,
	})
}

// buildProcessor wires the knowledge table and model chain into the agent.
func buildProcessor(cfg *config.Config, logger *log.Logger, client *http.Client) (*agent.Processor, *knowledge.Store, []string, error) {
	store, err := loadKnowledge(cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	inv, models, err := newInvoker(cfg, logger, client)
	if err != nil {
		return nil, nil, nil, err
	}
	proc, err := agent.NewProcessor(agent.ProcessorOpts{
		Invoker:   inv,
		Knowledge: store,
		Logger:    logger.With("component", "agent"),
	})
	if err != nil {
		return nil, nil, nil, err
	}
	return proc, store, models, nil
}
