// Command agora runs the kernel: a timed autonomous run of the agent
// economy, or an event-log replay.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/emergent-labs/agora/pkg/artifact"
	"github.com/emergent-labs/agora/pkg/config"
	"github.com/emergent-labs/agora/pkg/eventlog"
	"github.com/emergent-labs/agora/pkg/kernel"
	"github.com/emergent-labs/agora/pkg/observability"
	"github.com/emergent-labs/agora/pkg/scheduler"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, split out for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runCmd(nil, stdout, stderr)
	}
	switch args[1] {
	case "run":
		return runCmd(args[2:], stdout, stderr)
	case "replay":
		return replayCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		// Bare flags mean "run".
		if args[1][0] == '-' {
			return runCmd(args[1:], stdout, stderr)
		}
		_, _ = fmt.Fprintf(stderr, "agora: unknown command %q\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, `Usage: agora [command] [flags]

Commands:
  run      Run the kernel (default)
             --duration <seconds>   stop after this long (0 = until signal)
             --agents <path>        agent definitions YAML
             --config <path>        kernel configuration YAML
             --snapshot <path>      snapshot file to load and save
             --events <path>        NDJSON event log path (default events.ndjson)
             --events-db <path>     optional sqlite event mirror
  replay   Print events from a log file
             --log <path>           NDJSON event log path
             --from <seq>           start after this sequence number
  help     Show this help`)
}

func runCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	duration := fs.Int("duration", 0, "run duration in seconds (0 = until signal)")
	agentsPath := fs.String("agents", "", "agent definitions YAML")
	configPath := fs.String("config", "", "kernel configuration YAML")
	snapshotPath := fs.String("snapshot", "", "snapshot file to load and save")
	eventsPath := fs.String("events", "events.ndjson", "NDJSON event log path")
	eventsDB := fs.String("events-db", "", "optional sqlite event mirror")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logger := slog.New(slog.NewTextHandler(stderr, nil))
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logger.Error("config load failed", "error", err)
			return 1
		}
		cfg = loaded
	}

	k, err := kernel.New(kernel.Options{
		Contracts: cfg.ContractOptions(),
		Costs:     cfg.Costs.Operations,
	})
	if err != nil {
		logger.Error("kernel bootstrap failed", "error", err)
		return 1
	}

	for resource, limit := range cfg.RateLimiting {
		if limit.IsEnabled() {
			k.Tracker().ConfigureLimit(resource, limit.Capacity, limit.Window())
		}
	}

	sink, err := eventlog.NewNDJSONSink(*eventsPath)
	if err != nil {
		logger.Error("event log open failed", "error", err)
		return 1
	}
	defer func() { _ = sink.Close() }()
	k.Log().AddSink(sink)

	if *eventsDB != "" {
		db, err := eventlog.OpenSQLiteSink(*eventsDB)
		if err != nil {
			logger.Error("event mirror open failed", "error", err)
			return 1
		}
		defer func() { _ = db.Close() }()
		k.Log().AddSink(db)
	}

	metrics, err := observability.Default()
	if err != nil {
		logger.Error("metrics init failed", "error", err)
		return 1
	}
	recorder := observability.NewRecorder(k.Log(), metrics)
	defer recorder.Close()

	if *snapshotPath != "" {
		if _, err := os.Stat(*snapshotPath); err == nil {
			if _, err := k.LoadSnapshot(*snapshotPath); err != nil {
				logger.Error("snapshot load failed", "path", *snapshotPath, "error", err)
				return 1
			}
			logger.Info("snapshot restored", "path", *snapshotPath)
		}
	}

	sched := scheduler.New(k)
	if *agentsPath != "" {
		if err := seedAgents(k, sched, cfg, *agentsPath); err != nil {
			logger.Error("agent seeding failed", "error", err)
			return 1
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(*duration)*time.Second)
		defer cancel()
	}

	logger.Info("agora running",
		"agents", *agentsPath, "duration_s", *duration, "events", *eventsPath)

	// Periodic status line, throttled so a busy log cannot flood stdout.
	var sometimes rate.Sometimes
	sometimes.Interval = 5 * time.Second
	statusSub := k.Log().Subscribe(nil, 256)
	defer k.Log().Unsubscribe(statusSub)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case _, ok := <-statusSub.Events():
			if !ok {
				break loop
			}
			sometimes.Do(func() {
				_, _ = fmt.Fprintf(stdout, "seq=%d workers=%d\n",
					k.Log().LastSequence(), len(sched.States()))
			})
		}
	}

	if err := sched.StopAll(10 * time.Second); err != nil {
		logger.Error("shutdown incomplete", "error", err)
		return 1
	}
	if *snapshotPath != "" {
		if _, err := k.SaveSnapshot(*snapshotPath); err != nil {
			logger.Error("snapshot save failed", "error", err)
			return 1
		}
		logger.Info("snapshot saved", "path", *snapshotPath)
	}
	logger.Info("clean shutdown", "events", k.Log().LastSequence())
	return 0
}

// seedAgents creates the declared principals and starts workers for the
// autonomous ones.
func seedAgents(k *kernel.Kernel, sched *scheduler.Scheduler, cfg *config.Config, path string) error {
	agents, err := config.LoadAgents(path)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, def := range agents {
		typ := def.Type
		if typ == "" {
			typ = "agent"
		}
		if _, err := k.Write(ctx, def.ID, def.ID, artifact.Fields{
			Type:             typ,
			Content:          def.Content,
			AccessContractID: def.Contract,
			HasStanding:      true,
			CanExecute:       def.Autonomous,
		}); err != nil {
			return fmt.Errorf("create agent %s: %w", def.ID, err)
		}
		if def.Scrip > 0 {
			if err := k.Grant(def.ID, kernel.ResourceCurrency, def.Scrip); err != nil {
				return fmt.Errorf("grant scrip to %s: %w", def.ID, err)
			}
		}
		for resource, amount := range def.Resources {
			if err := k.Grant(def.ID, resource, amount); err != nil {
				return fmt.Errorf("grant %s to %s: %w", resource, def.ID, err)
			}
		}
		if def.Autonomous && cfg.Execution.UseAutonomousLoops {
			loop := cfg.Execution.AgentLoop
			_, err := sched.StartWorker(def.ID, idleEngine{}, scheduler.Config{
				MinLoopDelay:          loop.MinLoopDelay.Std(),
				MaxLoopDelay:          loop.MaxLoopDelay.Std(),
				ResourceCheckInterval: loop.ResourceCheckInterval.Std(),
				MaxConsecutiveErrors:  loop.MaxConsecutiveErrors,
				ResourcesToCheck:      loop.ResourcesToCheck,
			})
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// idleEngine is the built-in decision engine: it skips every iteration.
// Real deployments plug an LLM-backed engine in through the scheduler
// API; the CLI only proves the loop machinery.
type idleEngine struct{}

func (idleEngine) DecideAction(context.Context, *kernel.Observation) (scheduler.Directive, error) {
	return scheduler.Directive{}, nil
}

func replayCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("replay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	logPath := fs.String("log", "events.ndjson", "NDJSON event log path")
	from := fs.Uint64("from", 0, "start after this sequence number")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	events, err := eventlog.ReadNDJSON(*logPath, *from)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "agora: replay: %v\n", err)
		return 1
	}
	for _, e := range events {
		_, _ = fmt.Fprintf(stdout, "%6d %s %-28s %-16s %v\n",
			e.Sequence, e.Timestamp.Format(time.RFC3339), e.Type, e.Principal, e.Data)
	}
	return 0
}
