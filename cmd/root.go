package cmd

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/inference-sim/specdraft/serve"
	"github.com/inference-sim/specdraft/serve/trace"
)

var (
	// CLI flags for the engine and workload
	configPath   string  // YAML engine config; defaults apply when empty
	logLevel     string  // Log verbosity level
	maxTicks     int     // Engine steps before giving up
	numRequests  int     // Number of requests
	promptTokens int     // Prompt length of every request
	sharedPrefix int     // Prompt tokens shared by all requests
	outputTokens int     // Tokens to generate per request
	warmupTokens int     // Verifier-only tokens before the first draft pass
	acceptRate   float64 // Per-token draft acceptance probability
	metricsPath  string  // Write metrics JSON here when set
	traceLevel   string  // Event trace verbosity
	tracePath    string  // Write the Chrome trace here when set
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "specdraft",
	Short: "Draft proposal scheduler for speculative decoding",
}

// runCmd drives a synthetic workload through the draft proposal engine
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a synthetic workload through the draft proposal engine",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		cfg, err := loadConfig(configPath)
		if err != nil {
			logrus.Fatalf("%v", err)
		}
		if !trace.IsValidTraceLevel(traceLevel) {
			logrus.Fatalf("Invalid trace level: %s", traceLevel)
		}
		var recorder *trace.Recorder
		if trace.TraceLevel(traceLevel) == trace.TraceLevelEvents {
			recorder = trace.NewRecorder()
		}

		wl := WorkloadConfig{
			NumRequests:  numRequests,
			PromptTokens: promptTokens,
			SharedPrefix: sharedPrefix,
			OutputTokens: outputTokens,
			WarmupTokens: warmupTokens,
			AcceptRate:   acceptRate,
			MaxTicks:     maxTicks,
		}
		logrus.Infof("Starting engine with %d models, draft length %d, max_num_sequence %d, prefix cache %s",
			len(cfg.Models), cfg.SpecDraftLength, cfg.MaxNumSequence, cfg.PrefixCache)

		result, err := RunEngine(cmd.Context(), *cfg, wl, recorder)
		if err != nil {
			logrus.Fatalf("Engine run failed: %v", err)
		}
		result.Metrics.Print()
		logrus.Infof("Finished %d/%d requests in %d ticks, acceptance rate %.3f, prefix hits %d tokens",
			len(result.Finished), wl.NumRequests, result.Ticks, result.AcceptanceRate(), result.PrefixHitTokens)

		if metricsPath != "" {
			if err := writeMetrics(result.Metrics, metricsPath); err != nil {
				logrus.Fatalf("%v", err)
			}
		}
		if recorder != nil {
			summary := trace.Summarize(recorder)
			logrus.Infof("Trace: %d events for %d requests, %d preemptions",
				summary.TotalEvents, summary.UniqueRequests, summary.Preemptions)
			if tracePath != "" {
				if err := recorder.WriteFile(tracePath); err != nil {
					logrus.Fatalf("%v", err)
				}
			}
		}
		logrus.Info("Run complete.")
	},
}

// validateCmd checks an engine config file without running anything
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate an engine config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "config OK: %d models, workspace capacity %d\n", len(cfg.Models), cfg.WorkspaceCapacity())
		return nil
	},
}

// loadConfig reads path, or the defaults when path is empty, and validates the result.
func loadConfig(path string) (*serve.EngineConfig, error) {
	var cfg *serve.EngineConfig
	if path == "" {
		def := serve.DefaultEngineConfig()
		cfg = &def
	} else {
		var err error
		if cfg, err = serve.LoadEngineConfig(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	return cfg, nil
}

func writeMetrics(m *serve.EngineMetrics, path string) error {
	data, err := m.AsJSON()
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write metrics: %w", err)
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	def := DefaultWorkloadConfig()

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML engine config (defaults when empty)")

	runCmd.Flags().StringVar(&logLevel, "log", "error", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().IntVar(&maxTicks, "ticks", def.MaxTicks, "Maximum number of engine steps")

	// Workload
	runCmd.Flags().IntVar(&numRequests, "requests", def.NumRequests, "Number of requests")
	runCmd.Flags().IntVar(&promptTokens, "prompt-tokens", def.PromptTokens, "Prompt token count")
	runCmd.Flags().IntVar(&sharedPrefix, "shared-prefix", def.SharedPrefix, "Prompt tokens shared by every request")
	runCmd.Flags().IntVar(&outputTokens, "output-tokens", def.OutputTokens, "Output token count")
	runCmd.Flags().IntVar(&warmupTokens, "warmup-tokens", def.WarmupTokens, "Tokens the verifier commits before drafting starts")
	runCmd.Flags().Float64Var(&acceptRate, "accept-rate", def.AcceptRate, "Probability that each draft token is accepted")

	// Outputs
	runCmd.Flags().StringVar(&metricsPath, "metrics-json", "", "Write metrics JSON to this file")
	runCmd.Flags().StringVar(&traceLevel, "trace-level", string(trace.TraceLevelNone), "Event trace level (none, events)")
	runCmd.Flags().StringVar(&tracePath, "trace-json", "", "Write the Chrome trace to this file (requires --trace-level events)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
}
