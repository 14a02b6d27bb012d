package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/basket/donna/internal/brain"
	"github.com/basket/donna/internal/bus"
	"github.com/basket/donna/internal/config"
	"github.com/basket/donna/internal/cron"
	"github.com/basket/donna/internal/embedding"
	"github.com/basket/donna/internal/engine"
	"github.com/basket/donna/internal/events"
	"github.com/basket/donna/internal/gate"
	"github.com/basket/donna/internal/grounding"
	"github.com/basket/donna/internal/knowledge"
	otelPkg "github.com/basket/donna/internal/otel"
	"github.com/basket/donna/internal/persistence"
	"github.com/basket/donna/internal/telemetry"
	"github.com/basket/donna/internal/tools"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

INTERACTIVE MODE (default):
  %s                          Start the chat REPL with the daemon running

DAEMON MODE:
  %s -daemon                  Run the daemon headless (logs to stdout)

SUBCOMMANDS:
  %s status                   Show task queue counts
  %s event [options]          Deliver one external event and drain the queue
                              Options: -owner, -type, -id, -payload <json|->

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  DONNA_HOME              Data directory (default: ~/.donna)
  DONNA_NO_CHAT           Set to 1 to disable the chat REPL
  GOOGLE_API_KEY          LLM + embedding key for the google provider
  ANTHROPIC_API_KEY       LLM key for the anthropic provider
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd()) && os.Getenv("DONNA_NO_CHAT") == ""
	daemon := flag.Bool("daemon", false, "run in daemon mode (no chat REPL, logs to stdout)")
	owner := flag.String("owner", "default", "owner id used by the chat REPL")
	flag.Usage = printUsage
	flag.Parse()

	if *daemon {
		interactive = false
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx))
		case "event":
			os.Exit(runEventCommand(ctx, args[1:]))
		case "chat":
			interactive = true
		default:
			fmt.Fprintf(os.Stderr, "unknown subcommand %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	// Quiet logs (file-only) in interactive mode so the REPL stays clean.
	quietLogs := interactive

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if cfg.NeedsGenesis {
		if err := config.Save(cfg); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with defaults", "path", config.ConfigPath(cfg.HomeDir))
	}

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fatalStartup(logger, "E_RUNTIME_INIT", err)
	}
	defer rt.Close(ctx)

	rt.Start(ctx)
	logger.Info("startup phase", "phase", "scheduler_started", "workers", cfg.Executor.WorkerCount)

	watchConfig(ctx, cfg.HomeDir, rt, logger)

	if interactive {
		// Run the chat REPL. When it exits, cancel the context to shut down.
		go func() {
			runChatREPL(ctx, rt.Events, *owner)
			stop()
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")
	rt.Drain()
	logger.Info("shutdown complete")
}

// runtime holds the wired components of a running daemon.
type runtime struct {
	Cfg      config.Config
	Log      *slog.Logger
	Bus      *bus.Bus
	Otel     *otelPkg.Provider
	Store    *persistence.Store
	Limiter  *gate.Gate
	Pipeline *knowledge.Pipeline
	Searcher *knowledge.Searcher
	Engine   *engine.Engine
	Events   *events.Service
	Sched    *cron.Scheduler
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*runtime, error) {
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init otel: %w", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus,
		persistence.WithRetryPolicy(
			cfg.Executor.MaxAttempts,
			time.Duration(cfg.Executor.BackoffBaseSeconds)*time.Second,
			time.Duration(cfg.Executor.BackoffCapSeconds)*time.Second,
		),
		persistence.WithEmbeddingRetryLimit(cfg.Embedding.MaxRetries),
	)
	if err != nil {
		otelProvider.Shutdown(ctx)
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("startup phase", "phase", "schema_migrated", "db", cfg.DBPath)

	requeued, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		store.Close()
		otelProvider.Shutdown(ctx)
		return nil, fmt.Errorf("recovery scan: %w", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	minInterval := time.Duration(cfg.Embedding.MinCallIntervalMillis) * time.Millisecond
	limiter := gate.New(0, map[string]time.Duration{
		gate.DepEmbedding: minInterval,
		gate.DepLLM:       minInterval,
	})

	gateway, err := embedding.New(ctx, embedding.Options{
		Provider:       cfg.Embedding.Provider,
		APIKey:         cfg.EmbeddingAPIKey(),
		GenAIModel:     cfg.Embedding.GenAIModel,
		OllamaEndpoint: cfg.Embedding.OllamaEndpoint,
		OllamaModel:    cfg.Embedding.OllamaModel,
	})
	if err != nil {
		logger.Warn("embedding gateway unavailable; documents stay pending until a key is configured", "error", err)
		gateway = nil
	}

	pipeline := knowledge.NewPipeline(store, gateway, limiter, logger, knowledge.PipelineOptions{
		MaxInputChars: cfg.Embedding.MaxInputChars,
		RetryBase:     time.Duration(cfg.Embedding.RetryBaseSeconds) * time.Second,
		RetryCap:      time.Duration(cfg.Embedding.RetryCapSeconds) * time.Second,
	})
	searcher := knowledge.NewSearcher(store, gateway, limiter, logger,
		cfg.Retrieval.DefaultLimit, cfg.Retrieval.Threshold)

	groundingSearcher := searcher
	if gateway == nil {
		groundingSearcher = nil
	}
	builder := grounding.NewBuilder(store, groundingSearcher, logger, grounding.Options{
		MaxHistory: cfg.Retrieval.HistoryTurns,
	})

	collab, err := newLocalCollaborators(cfg.HomeDir, logger)
	if err != nil {
		store.Close()
		otelProvider.Shutdown(ctx)
		return nil, err
	}

	validator, err := tools.NewValidator()
	if err != nil {
		store.Close()
		otelProvider.Shutdown(ctx)
		return nil, fmt.Errorf("compile tool schemas: %w", err)
	}
	registry := tools.NewDefaultRegistry(tools.Deps{
		Mail:      collab.Mail,
		Calendar:  collab.Calendar,
		CRM:       collab.CRM,
		Scheduler: collab.Scheduler,
		Search:    searcher,
		Gate:      limiter,
	})

	eng := engine.New(store, validator, registry, pipeline, logger, engine.Options{
		WorkerCount: cfg.Executor.WorkerCount,
		TaskTimeout: time.Duration(cfg.Executor.TaskTimeoutSeconds) * time.Second,
	})

	agentBrain := brain.NewGenkitBrain(ctx, brain.Config{
		Provider:                cfg.LLM.Provider,
		Model:                   modelForProvider(cfg),
		APIKey:                  cfg.LLMAPIKey(),
		OpenAICompatibleBaseURL: cfg.LLM.OpenAICompatibleBaseURL,
	}, limiter, logger)

	svc := events.NewService(store, pipeline, builder, agentBrain, eventBus, logger)

	sched := cron.NewScheduler(cron.Config{
		Store:             store,
		Tasks:             eng,
		Embedding:         pipeline,
		Runner:            svc,
		Logger:            logger,
		TaskSweepInterval: time.Duration(cfg.Executor.SweepSeconds) * time.Second,
	})

	rt := &runtime{
		Cfg:      cfg,
		Log:      logger,
		Bus:      eventBus,
		Otel:     otelProvider,
		Store:    store,
		Limiter:  limiter,
		Pipeline: pipeline,
		Searcher: searcher,
		Engine:   eng,
		Events:   svc,
		Sched:    sched,
	}
	return rt, nil
}

// Start launches the worker pool, the maintenance scheduler, and the
// bus-to-metrics bridge. All of them stop when ctx is cancelled.
func (rt *runtime) Start(ctx context.Context) {
	rt.Engine.Start(ctx)
	rt.Sched.Start(ctx)

	metrics, err := otelPkg.NewMetrics(rt.Otel.Meter)
	if err != nil {
		rt.Log.Warn("metric instruments unavailable", "error", err)
		return
	}
	go runMetricsBridge(ctx, rt.Bus, metrics)
}

// Drain waits for in-flight work after the context has been cancelled.
func (rt *runtime) Drain() {
	rt.Sched.Stop()
	rt.Engine.Wait()
}

func (rt *runtime) Close(ctx context.Context) {
	rt.Store.Close()
	rt.Otel.Shutdown(ctx)
}

func modelForProvider(cfg config.Config) string {
	switch cfg.LLM.Provider {
	case "anthropic":
		return cfg.LLM.AnthropicModel
	case "openai_compatible":
		return cfg.LLM.OpenAICompatibleModel
	default:
		return cfg.LLM.GeminiModel
	}
}

// runMetricsBridge maps bus events onto metric instruments so every
// component stays metrics-unaware.
func runMetricsBridge(ctx context.Context, b *bus.Bus, m *otelPkg.Metrics) {
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			recordMetric(ctx, m, ev)
		}
	}
}

func recordMetric(ctx context.Context, m *otelPkg.Metrics, ev bus.Event) {
	switch payload := ev.Payload.(type) {
	case bus.TaskEvent:
		attrs := metric.WithAttributes(attribute.String("task_type", payload.Type))
		switch ev.Topic {
		case bus.TopicTaskStarted:
			m.TaskAttempts.Add(ctx, 1, attrs)
			if payload.OldStatus == string(persistence.TaskStatusWaiting) {
				m.TasksWaiting.Add(ctx, -1, attrs)
			}
		case bus.TopicTaskWaiting:
			m.TasksWaiting.Add(ctx, 1, attrs)
		case bus.TopicTaskFailed:
			m.TaskFailures.Add(ctx, 1, attrs)
		}
	case bus.DocumentEvent:
		attrs := metric.WithAttributes(attribute.String("source_type", payload.SourceType))
		switch ev.Topic {
		case bus.TopicEmbeddingFailed:
			m.EmbeddingRetries.Add(ctx, 1, attrs)
		case bus.TopicEmbeddingExhausted:
			m.EmbeddingRetries.Add(ctx, 1, metric.WithAttributes(
				attribute.String("source_type", payload.SourceType),
				attribute.Bool("exhausted", true),
			))
		}
	case bus.InstructionEvent:
		switch ev.Topic {
		case bus.TopicEventReceived:
			m.EventsProcessed.Add(ctx, 1,
				metric.WithAttributes(attribute.String("event_type", payload.TriggerType)))
		case bus.TopicInstructionFired:
			m.InstructionsFired.Add(ctx, 1,
				metric.WithAttributes(attribute.String("trigger_type", payload.TriggerType)))
		}
	}
}

// watchConfig applies the runtime tunables that can change without a
// restart. Everything else requires a daemon restart, same as startup.
func watchConfig(ctx context.Context, homeDir string, rt *runtime, logger *slog.Logger) {
	watcher := config.NewWatcher(homeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable; edits need a restart", "error", err)
		return
	}
	go func() {
		fingerprint := rt.Cfg.Fingerprint()
		for ev := range watcher.Events() {
			newCfg, err := config.LoadFrom(homeDir)
			if err != nil {
				logger.Error("config reload failed; keeping previous config", "path", ev.Path, "error", err)
				continue
			}
			if fp := newCfg.Fingerprint(); fp != fingerprint {
				rt.Searcher.SetDefaultThreshold(newCfg.Retrieval.Threshold)
				logger.Info("config hot-reloaded",
					"path", ev.Path,
					"retrieval_threshold", newCfg.Retrieval.Threshold,
					"fingerprint", fp)
				fingerprint = fp
			}
		}
	}()
}

func runChatREPL(ctx context.Context, svc *events.Service, ownerID string) {
	fmt.Printf("donna %s, chatting as %q (ctrl-d to exit)\n", Version, ownerID)
	scanner := bufio.NewScanner(os.Stdin)
	conversationID := ""
	for {
		fmt.Print("you> ")
		if !scanner.Scan() {
			fmt.Println()
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return
		}
		reply, err := svc.HandleChat(ctx, ownerID, conversationID, line)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fmt.Printf("error: %v\n", err)
			continue
		}
		conversationID = reply.ConversationID
		if reply.Content != "" {
			fmt.Printf("donna> %s\n", reply.Content)
		}
		if len(reply.TaskIDs) > 0 {
			fmt.Printf("       queued %d task(s): %s\n", len(reply.TaskIDs), strings.Join(reply.TaskIDs, ", "))
		}
	}
}

func runStatusCommand(ctx context.Context) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	store, err := persistence.Open(cfg.DBPath, bus.New())
	if err != nil {
		fmt.Fprintln(os.Stderr, "open store:", err)
		return 1
	}
	defer store.Close()

	pending, inProgress, waiting, err := store.TaskCounts(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "task counts:", err)
		return 1
	}
	fmt.Printf("db:          %s\n", cfg.DBPath)
	fmt.Printf("pending:     %d\n", pending)
	fmt.Printf("in_progress: %d\n", inProgress)
	fmt.Printf("waiting:     %d\n", waiting)
	return 0
}

// runEventCommand delivers one external event through the full pipeline and
// then drains whatever tasks it produced, so a cron job or mail hook can
// call the binary without a resident daemon.
func runEventCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("event", flag.ContinueOnError)
	ownerID := fs.String("owner", "default", "owner id the event belongs to")
	eventType := fs.String("type", "", "event type, e.g. email_received")
	eventID := fs.String("id", "", "delivery id for dedup (optional)")
	payloadArg := fs.String("payload", "{}", `payload JSON, or "-" to read from stdin`)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	raw := []byte(*payloadArg)
	if *payloadArg == "-" {
		var err error
		raw, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read payload:", err)
			return 1
		}
	}
	payload := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			fmt.Fprintln(os.Stderr, "parse payload:", err)
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		return 1
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, true)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		return 1
	}
	defer closer.Close()
	slog.SetDefault(logger)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init runtime:", err)
		return 1
	}
	defer rt.Close(ctx)

	outcome, err := rt.Events.ProcessExternalEvent(ctx, events.Event{
		ID:      *eventID,
		Type:    *eventType,
		OwnerID: *ownerID,
		Payload: payload,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "process event:", err)
		return 1
	}

	executed := 0
	for {
		ran, err := rt.Engine.ExecuteNext(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "execute task:", err)
			return 1
		}
		if !ran {
			break
		}
		executed++
	}

	out, _ := json.MarshalIndent(map[string]any{
		"document_id":        outcome.DocumentID,
		"fired_instructions": outcome.FiredInstructions,
		"task_ids":           outcome.TaskIDs,
		"tasks_executed":     executed,
	}, "", "  ")
	fmt.Println(string(out))
	return 0
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
