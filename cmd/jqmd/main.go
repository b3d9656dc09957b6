// Command jqmd boots one JQM node: it loads configuration, connects to
// the Postgres store, registers this node, and runs the Engine
// Supervisor until SIGINT/SIGTERM (§4.9).
//
// Job handlers are registered by linking them into a fork of this
// binary and calling jobdef.RegisterDefinition on the registry that run
// creates, before that registry is handed to runner.New; jqmd itself
// carries no handlers, since entry points are application code (§9).
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ErikWegner/jqm/artifact"
	"github.com/ErikWegner/jqm/configfile"
	"github.com/ErikWegner/jqm/deadletter"
	"github.com/ErikWegner/jqm/deliverable"
	"github.com/ErikWegner/jqm/ext"
	"github.com/ErikWegner/jqm/id"
	"github.com/ErikWegner/jqm/jobdef"
	"github.com/ErikWegner/jqm/killsignal"
	"github.com/ErikWegner/jqm/node"
	"github.com/ErikWegner/jqm/observability"
	"github.com/ErikWegner/jqm/runner"
	"github.com/ErikWegner/jqm/store/postgres"
	"github.com/ErikWegner/jqm/supervisor"
	"go.opentelemetry.io/otel"
)

func main() {
	configPath := flag.String("config", "jqmd.yaml", "path to the node's configuration file")
	nodeName := flag.String("node-name", "", "override the configured node name")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(*configPath, *nodeName, logger); err != nil {
		logger.Error("jqmd: fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath, nodeNameOverride string, logger *slog.Logger) error {
	file, cfg, err := configfile.Load(configPath)
	if err != nil {
		return err
	}
	if nodeNameOverride != "" {
		file.Node.Name = nodeNameOverride
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := postgres.New(ctx, file.Database.DSN, postgres.WithLogger(logger))
	if err != nil {
		return err
	}
	if err := store.Migrate(ctx); err != nil {
		return err
	}

	if err := os.MkdirAll(file.Node.RepoPath, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(file.Node.TmpPath, 0o755); err != nil {
		return err
	}

	self := &node.Node{
		ID:       id.NewNodeID(),
		Name:     file.Node.Name,
		Host:     file.Node.Host,
		Port:     file.Node.Port,
		RepoPath: file.Node.RepoPath,
		TmpPath:  file.Node.TmpPath,
		Enabled:  true,
	}
	if err := store.Register(ctx, self); err != nil {
		return err
	}
	defer func() {
		deregisterCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Deregister(deregisterCtx, self.ID)
	}()

	notifier := killsignal.New(file.Killsignal.RedisAddr, logger)
	defer notifier.Close()

	registry := jobdef.NewRegistry()

	extensions := ext.NewRegistry(logger)
	extensions.Register(observability.NewMetricsExtension(otel.Meter("github.com/ErikWegner/jqm")))

	deadLetters := deadletter.NewService(store, store)
	deliverables := deliverable.NewRepository(store, self.RepoPath)
	artifacts := artifact.NewCache(self.RepoPath, artifact.NewHTTPSource(file.Artifact.SourceBaseURL), cfg.ArtifactFetchRatePerSecond, logger)

	nodeRunner := runner.New(runner.Options{
		NodeID:          self.ID,
		TmpDir:          self.TmpPath,
		JobDefs:         store,
		Instances:       store,
		Queues:          store,
		Messages:        store,
		Deliverables:    deliverables,
		DeadLetters:     deadLetters,
		Registry:        registry,
		Artifacts:       artifacts,
		KillSignal:      notifier,
		Extensions:      extensions,
		Logger:          logger,
		MaxRestartChain: cfg.MaxRestartChain,
		MaxMessageChars: cfg.MaxMessageChars,
	})

	sup := supervisor.New(supervisor.Options{
		NodeID:      self.ID,
		Nodes:       store,
		Bindings:    store,
		Instances:   store,
		JobDefs:     store,
		DeadLetters: deadLetters,
		Extensions:  extensions,
		Runner:      nodeRunner,
		Logger:      logger,
		Config:      cfg,
		Closer:      store,
	})

	if err := sup.Boot(ctx); err != nil {
		return err
	}
	logger.Info("jqmd: node started", slog.String("node_id", self.ID.String()), slog.String("node_name", self.Name))

	<-ctx.Done()
	logger.Info("jqmd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.DrainTimeout)
	defer cancel()
	return sup.Shutdown(shutdownCtx)
}
