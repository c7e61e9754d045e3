// Package main runs a single Waypoint run headlessly: it wires the store,
// the notification bus, the browser session pool, and the planning loop,
// executes one goal to a terminal outcome, and prints the result.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/entrhq/waypoint/pkg/artifacts"
	"github.com/entrhq/waypoint/pkg/blocks"
	"github.com/entrhq/waypoint/pkg/browser"
	"github.com/entrhq/waypoint/pkg/bus"
	"github.com/entrhq/waypoint/pkg/config"
	"github.com/entrhq/waypoint/pkg/llm"
	"github.com/entrhq/waypoint/pkg/llm/openai"
	"github.com/entrhq/waypoint/pkg/otp"
	"github.com/entrhq/waypoint/pkg/planner"
	"github.com/entrhq/waypoint/pkg/store"
	"github.com/entrhq/waypoint/pkg/types"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile  string
	Goal        string
	StartURL    string
	OrgID       string
	SchemaFile  string
	WebhookURL  string
	DBPath      string
	Timeout     time.Duration
	ShowVersion bool
}

func main() {
	cliConfig := parseFlags()

	if cliConfig.ShowVersion {
		fmt.Printf("Waypoint v%s\n", version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		fmt.Println("\n\nShutting down gracefully...")
		cancel()
	}()

	if err := run(ctx, cliConfig); err != nil {
		cancel()
		log.Printf("Run failed: %v", err)
		os.Exit(1)
	}
	cancel()
}

func parseFlags() *CLIConfig {
	cliConfig := &CLIConfig{}

	flag.StringVar(&cliConfig.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cliConfig.Goal, "goal", "", "Natural-language goal (required)")
	flag.StringVar(&cliConfig.StartURL, "start-url", "", "URL the run begins on")
	flag.StringVar(&cliConfig.OrgID, "org", "default", "Organization ID the run belongs to")
	flag.StringVar(&cliConfig.SchemaFile, "schema", "", "Path to a JSON file constraining the output shape")
	flag.StringVar(&cliConfig.WebhookURL, "webhook", "", "URL to deliver the signed run result to")
	flag.StringVar(&cliConfig.DBPath, "db", "waypoint.db", "SQLite database path")
	flag.DurationVar(&cliConfig.Timeout, "timeout", 30*time.Minute, "Run timeout")
	flag.BoolVar(&cliConfig.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Waypoint - Autonomous Browser Agent\n\n")
		fmt.Fprintf(os.Stderr, "Usage: waypoint [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Run with an inline goal\n")
		fmt.Fprintf(os.Stderr, "  waypoint -goal \"Find the cheapest flight from SFO to JFK next Friday\"\n\n")
		fmt.Fprintf(os.Stderr, "  # Run with a start URL and structured output\n")
		fmt.Fprintf(os.Stderr, "  waypoint -goal \"List all open positions\" -start-url https://example.com/careers -schema jobs.json\n\n")
	}

	flag.Parse()
	return cliConfig
}

func run(ctx context.Context, cliConfig *CLIConfig) error {
	if cliConfig.Goal == "" {
		return fmt.Errorf("a goal is required")
	}

	cfg := config.Default()
	if cliConfig.ConfigFile != "" {
		loaded, err := config.Load(cliConfig.ConfigFile)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	st, err := store.NewSQLite(cliConfig.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	events, cleanup := newBus(cfg)
	defer cleanup()

	artifactStore, err := artifacts.NewStore(cfg.Browser.ArtifactDir)
	if err != nil {
		return err
	}
	matcher, err := cfg.Navigation.Matcher()
	if err != nil {
		return err
	}

	pool := browser.NewPool(st, artifactStore,
		browser.WithHeadless(cfg.Browser.Headless),
		browser.WithDefaultTimeout(cfg.Browser.TimeoutMinutes),
		browser.WithRenewPolicy(
			time.Duration(cfg.Browser.RenewThresholdMinutes)*time.Minute,
			time.Duration(cfg.Browser.RenewIncrementMinutes)*time.Minute,
		),
		browser.WithURLMatcher(matcher),
	)
	defer pool.Shutdown()

	providerOpts := []openai.ProviderOption{openai.WithModel(cfg.LLM.PlannerModel)}
	if cfg.LLM.BaseURL != "" {
		providerOpts = append(providerOpts, openai.WithBaseURL(cfg.LLM.BaseURL))
	}
	provider, err := openai.NewProvider(cfg.LLM.APIKey, providerOpts...)
	if err != nil {
		return fmt.Errorf("failed to create LLM provider: %w", err)
	}
	utility := llm.WithModel(provider, cfg.LLM.UtilityModel)

	coordinator := otp.NewCoordinator(st, st, events, utility,
		otp.WithPollInterval(cfg.Budgets.CodePollInterval),
		otp.WithWaitTimeout(cfg.Budgets.CodeWaitTimeout),
	)
	runner := blocks.NewBrowserRunner(pool, provider, coordinator,
		blocks.WithSigningKey(cfg.Webhook.SigningKey),
	)
	generator := blocks.NewGenerator(utility, runner, pool)

	loop := planner.NewLoop(st, pool, generator, runner, provider, events,
		planner.WithMaxIterations(cfg.Budgets.MaxIterations),
		planner.WithStepBudget(cfg.Budgets.StepBudget),
		planner.WithMaxPromptTokens(cfg.LLM.MaxPromptTokens),
		planner.WithCodeRouting(cfg.Webhook.CodeCallbackURL, cfg.Webhook.SigningKey),
	)

	run, err := createRun(ctx, st, cliConfig)
	if err != nil {
		return err
	}

	if cliConfig.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cliConfig.Timeout)
		defer cancel()
	}

	log.Printf("Starting run %s", run.ID)
	log.Printf("Goal: %s", run.Goal)

	if err := loop.Execute(ctx, run.ID); err != nil {
		return err
	}
	return printResult(ctx, st, run.ID)
}

// newBus builds the configured bus implementation and its cleanup.
func newBus(cfg *config.Config) (bus.Bus, func()) {
	if cfg.Bus.Mode == config.BusModeSocket {
		b := bus.NewSocketBus(cfg.Bus.BrokerURL)
		return b, b.Close
	}
	return bus.NewLocalBus(), func() {}
}

// createRun persists the run and queues it for the loop.
func createRun(ctx context.Context, st store.Store, cliConfig *CLIConfig) (*types.Run, error) {
	var schema json.RawMessage
	if cliConfig.SchemaFile != "" {
		data, err := os.ReadFile(cliConfig.SchemaFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema file: %w", err)
		}
		if !json.Valid(data) {
			return nil, fmt.Errorf("schema file is not valid JSON")
		}
		schema = data
	}

	run := &types.Run{
		OrgID:        cliConfig.OrgID,
		Status:       types.RunStatusCreated,
		Goal:         cliConfig.Goal,
		StartURL:     cliConfig.StartURL,
		OutputSchema: schema,
		WebhookURL:   cliConfig.WebhookURL,
	}
	if err := st.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	if err := st.TransitionRun(ctx, run.ID, types.RunStatusCreated, types.RunStatusQueued, ""); err != nil {
		return nil, err
	}
	return run, nil
}

func printResult(ctx context.Context, st store.Store, runID string) error {
	run, err := st.GetRun(ctx, runID)
	if err != nil {
		return err
	}

	fmt.Printf("\nRun %s: %s\n", run.ID, run.Status)
	if run.Summary != "" {
		fmt.Printf("\n%s\n", run.Summary)
	}
	if len(run.Output) > 0 {
		fmt.Printf("\nOutput:\n%s\n", string(run.Output))
	}
	if run.FailureReason != "" {
		fmt.Printf("\nFailure: %s\n", run.FailureReason)
	}
	if run.Status != types.RunStatusCompleted {
		return fmt.Errorf("run ended %s", run.Status)
	}
	return nil
}
