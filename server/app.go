// Copyright 2026 ForgeFlow
// SPDX-License-Identifier: BUSL-1.1

// Package server assembles the ForgeFlow core service: the workflow
// engine, LLM routing, secrets, approvals and the HTTP surface that
// exposes them.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"forgeflow/core/approval"
	"forgeflow/core/costs"
	"forgeflow/core/llm"
	"forgeflow/core/orchestrator"
	"forgeflow/core/secrets"
	"forgeflow/core/shared/logger"
)

// App owns every long-lived component of the core service.
type App struct {
	config Config
	log    *logger.Logger

	db *sql.DB

	store       orchestrator.Store
	engine      *orchestrator.Engine
	controller  *orchestrator.Controller
	integration *orchestrator.Integration
	llm         *llm.Service
	costs       *costs.Recorder
	secrets     *secrets.Engine
	secretStore secrets.Store
	approvals   *approval.Engine

	handler http.Handler
}

// NewApp wires all components from configuration. Stores are Postgres
// when DATABASE_URL is set and in-memory otherwise; the broadcaster is
// Redis when REDIS_ADDR is set and log output otherwise.
func NewApp(ctx context.Context, cfg Config) (*App, error) {
	app := &App{
		config: cfg,
		log:    logger.New("core"),
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			db.Close()
			return nil, fmt.Errorf("ping database: %w", err)
		}
		app.db = db
	}

	var broadcaster orchestrator.Broadcaster
	if cfg.RedisAddr != "" {
		rb, err := orchestrator.NewRedisBroadcaster(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return nil, fmt.Errorf("connect redis broadcaster: %w", err)
		}
		broadcaster = rb
	}

	// Cost recording. A nil sink keeps records in memory.
	var sink costs.Sink
	if app.db != nil {
		sink = costs.NewPostgresSink(app.db)
	}
	app.costs = costs.NewRecorder(sink)

	llmService, err := llm.NewService(llm.ServiceConfig{
		Routing:   llm.LoadRoutingConfigFromEnv(),
		BaseURLs:  llm.LoadBaseURLsFromEnv(),
		AWSRegion: cfg.AWSRegion,
	}, app.costs)
	if err != nil {
		return nil, fmt.Errorf("build llm service: %w", err)
	}
	app.llm = llmService

	// Secret lifecycle.
	backend, err := secrets.BackendFromEnv(ctx)
	if err != nil {
		return nil, fmt.Errorf("build encryption backend: %w", err)
	}
	encryption := secrets.NewEncryptionService()
	if err := encryption.Init(backend); err != nil {
		return nil, fmt.Errorf("init encryption service: %w", err)
	}
	if app.db != nil {
		app.secretStore = secrets.NewPostgresStore(app.db)
	} else {
		app.secretStore = secrets.NewMemoryStore()
	}
	app.secrets = secrets.NewEngine(app.secretStore, encryption)

	// Approvals.
	app.approvals = approval.NewEngine(approval.NewMemoryStore())

	// Workflow engine and agent controller.
	if app.db != nil {
		app.store = orchestrator.NewPostgresStore(app.db)
	} else {
		app.store = orchestrator.NewMemoryStore()
	}
	app.controller = orchestrator.NewController(orchestrator.NewAgentDirectory(), nil, nil, broadcaster)
	app.controller.SetMetrics(orchestrator.DefaultMetrics())

	app.engine = orchestrator.NewEngine(app.store, app.controller, broadcaster, orchestrator.LoadEngineConfigFromEnv())
	app.engine.SetMetrics(orchestrator.DefaultMetrics())
	app.engine.RegisterProcessor(orchestrator.StepTypeTask, newTaskProcessor(app.llm, app.approvals))

	app.integration = orchestrator.NewIntegration(app.engine, app.store, orchestrator.NewGoTaskRunner(), orchestrator.LoadIntegrationConfigFromEnv())

	app.handler = app.buildHandler()
	return app, nil
}

// buildHandler assembles the router and CORS wrapper.
func (a *App) buildHandler() http.Handler {
	router := mux.NewRouter()

	router.HandleFunc("/health", a.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/stats", a.handleStats).Methods("GET")

	api.HandleFunc("/workflows", a.handleSaveWorkflow).Methods("POST")
	api.HandleFunc("/workflows/{id}", a.handleGetWorkflow).Methods("GET")
	api.HandleFunc("/workflows/{id}/executions", a.handleExecuteWorkflow).Methods("POST")
	api.HandleFunc("/executions/{id}", a.handleGetExecution).Methods("GET")
	api.HandleFunc("/executions/{id}/cancel", a.handleCancelExecution).Methods("POST")

	api.HandleFunc("/workspaces", a.handleCreateWorkspace).Methods("POST")
	api.HandleFunc("/workspaces/{ws}/secrets", a.handleCreateSecret).Methods("POST")
	api.HandleFunc("/workspaces/{ws}/secrets", a.handleListSecrets).Methods("GET")
	api.HandleFunc("/workspaces/{ws}/secrets/rotation-due", a.handleRotationDue).Methods("GET")
	api.HandleFunc("/workspaces/{ws}/secrets/stats", a.handleSecretStats).Methods("GET")
	api.HandleFunc("/workspaces/{ws}/secrets/{id}", a.handleGetSecret).Methods("GET")
	api.HandleFunc("/workspaces/{ws}/secrets/{id}", a.handleUpdateSecret).Methods("PUT")
	api.HandleFunc("/workspaces/{ws}/secrets/{id}", a.handleDeleteSecret).Methods("DELETE")
	api.HandleFunc("/workspaces/{ws}/secrets/{id}/value", a.handleGetSecretValue).Methods("GET")
	api.HandleFunc("/workspaces/{ws}/secrets/{id}/rotate", a.handleRotateSecret).Methods("POST")
	api.HandleFunc("/workspaces/{ws}/secrets/{id}/audit", a.handleSecretAudit).Methods("GET")

	api.HandleFunc("/approvals", a.handleCreateApproval).Methods("POST")
	api.HandleFunc("/approvals/{id}", a.handleGetApproval).Methods("GET")
	api.HandleFunc("/approvals/{id}/history", a.handleApprovalHistory).Methods("GET")
	api.HandleFunc("/approvals/{id}/bulk-approve", a.handleBulkApprove).Methods("POST")
	api.HandleFunc("/file-approvals/{id}/approve", a.handleFileAction(approval.ActionApprove)).Methods("POST")
	api.HandleFunc("/file-approvals/{id}/reject", a.handleFileAction(approval.ActionReject)).Methods("POST")
	api.HandleFunc("/file-approvals/{id}/request-changes", a.handleFileAction(approval.ActionRequestChanges)).Methods("POST")
	api.HandleFunc("/file-approvals/{id}/rollback", a.handleFileAction(approval.ActionRollback)).Methods("POST")
	api.HandleFunc("/file-approvals/{id}/comments", a.handleFileComment).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(router)
}

// Handler exposes the assembled HTTP handler.
func (a *App) Handler() http.Handler {
	return a.handler
}

// Run serves HTTP until ctx is cancelled, then shuts down in order:
// stop accepting requests, wait for running executions, flush costs.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      a.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
	}

	a.controller.StartSweeper(30 * time.Second)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.log.Info("", "", "Core service listening", map[string]interface{}{"port": a.config.Port})
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases resources. Safe after a failed Run.
func (a *App) Close() {
	a.controller.StopSweeper()
	a.engine.Wait()
	if a.costs != nil {
		a.costs.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
