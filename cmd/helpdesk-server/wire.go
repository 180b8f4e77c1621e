package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"helpdesk-backend/internal/config"
	"helpdesk-backend/internal/db"
	"helpdesk-backend/internal/dialog"
	"helpdesk-backend/internal/directory"
	"helpdesk-backend/internal/helpdesk"
	"helpdesk-backend/internal/intent"
	"helpdesk-backend/internal/knowledge"
	"helpdesk-backend/internal/store"
)

// app is everything a command needs to run conversations.
type app struct {
	database  *db.DB
	engine    *dialog.Engine
	directory directory.Directory
	// memory is set when sessions live in process and need sweeping.
	memory *store.MemoryStore
}

func (a *app) Close() error {
	return a.database.Close()
}

// openDatabase connects to postgres when DB_URL is set, otherwise to the
// sqlite file, and applies migrations.
func openDatabase(cfg config.Config, logger *slog.Logger) (*db.DB, error) {
	var (
		database *db.DB
		err      error
	)
	if cfg.DatabaseURL != "" {
		database, err = db.New(cfg.DatabaseURL)
	} else {
		database, err = db.OpenSQLite(cfg.SQLitePath)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	if err := database.RunMigrations(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("database ready", "dialect", string(database.Dialect))
	return database, nil
}

func openSessionStore(cfg config.Config, database *db.DB) (dialog.SessionStore, error) {
	switch cfg.SessionStore {
	case "memory":
		return store.NewMemoryStore(cfg.SessionTTL), nil
	case "sql":
		return store.NewSessionStore(database, cfg.SessionTTL), nil
	case "file":
		return store.NewFileSessionStore(cfg.SessionDir), nil
	}
	return nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
}

// openIndex returns the policy index, loaded from IndexPath when that file
// exists and empty otherwise.
func openIndex(cfg config.Config, embedder knowledge.Embedder, logger *slog.Logger) (*knowledge.Index, error) {
	index, err := knowledge.NewIndex(embedder, logger)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.IndexPath); errors.Is(err, os.ErrNotExist) {
		logger.Warn("policy index not found, policy questions will find nothing until `index` is run", "path", cfg.IndexPath)
		return index, nil
	}
	if err := index.Load(cfg.IndexPath); err != nil {
		return nil, err
	}
	logger.Info("policy index loaded", "path", cfg.IndexPath, "chunks", index.Count())
	return index, nil
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	database, err := openDatabase(cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := wire(ctx, cfg, database, logger)
	if err != nil {
		database.Close()
		return nil, err
	}
	return a, nil
}

func wire(ctx context.Context, cfg config.Config, database *db.DB, logger *slog.Logger) (*app, error) {
	sessions, err := openSessionStore(cfg, database)
	if err != nil {
		return nil, err
	}

	client := intent.NewClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	spec, err := intent.LoadSpec(cfg.IntentSpecPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load intent spec: %w", err)
	}
	resolver, err := intent.NewResolver(spec, client, cfg.Model, logger)
	if err != nil {
		return nil, err
	}
	index, err := openIndex(cfg, knowledge.NewOpenAIEmbedder(client, cfg.EmbeddingModel), logger)
	if err != nil {
		return nil, err
	}

	repo := store.NewDatabaseStore(database)
	tickets := helpdesk.NewTickets(repo, logger)
	handlers := &helpdesk.Handlers{
		Tickets:  tickets,
		Leaves:   helpdesk.NewLeaves(repo, logger),
		Holidays: helpdesk.NewHolidays(repo, logger),
	}
	orch := dialog.NewOrchestrator(dialog.Deps{
		Resolver:   resolver,
		Handlers:   handlers.Register(),
		Desk:       &helpdesk.Desk{Tickets: tickets},
		QnA:        dialog.NewQnADialog(index, resolver, cfg.ResolverTimeout, logger),
		Classifier: resolver,
		Escalator:  &helpdesk.Escalator{Tickets: tickets},
	}, dialog.Options{
		MaxReprompts:    cfg.MaxReprompts,
		HistoryWindow:   cfg.HistoryWindow,
		ResolverTimeout: cfg.ResolverTimeout,
		Logger:          logger,
	})

	var dir directory.Directory = directory.Static{}
	if cfg.GraphEnabled() {
		dir = directory.NewGraph(ctx, cfg.GraphTenantID, cfg.GraphClientID, cfg.GraphClientSecret, logger)
		logger.Info("microsoft graph directory enabled", "tenant", cfg.GraphTenantID)
	}

	a := &app{
		database:  database,
		engine:    dialog.NewEngine(orch, sessions, logger),
		directory: dir,
	}
	if m, ok := sessions.(*store.MemoryStore); ok {
		a.memory = m
	}
	return a, nil
}
