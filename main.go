package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xiaot623/gogo/reports/internal/adapter/llm"
	"github.com/xiaot623/gogo/reports/internal/adapter/market"
	"github.com/xiaot623/gogo/reports/internal/config"
	"github.com/xiaot623/gogo/reports/internal/metrics"
	"github.com/xiaot623/gogo/reports/internal/pipeline"
	"github.com/xiaot623/gogo/reports/internal/policy"
	"github.com/xiaot623/gogo/reports/internal/service"
	"github.com/xiaot623/gogo/reports/internal/store"
	"github.com/xiaot623/gogo/reports/internal/tools"
	handler "github.com/xiaot623/gogo/reports/internal/transport/http"
	"github.com/xiaot623/gogo/reports/internal/transport/rpc"
	"github.com/xiaot623/gogo/reports/internal/workflow"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if strings.EqualFold(cfg.LogLevel, "debug") {
		log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	}

	log.Printf("Starting reports service...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("LiteLLM URL: %s", cfg.LiteLLMURL)
	log.Printf("Analysis models: %s", strings.Join(cfg.AnalysisModels, ", "))

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize collaborators
	llmClient := llm.NewLLMClient(cfg.Mode, cfg.LiteLLMURL, cfg.LiteLLMAPIKey, cfg.LLMTimeout)
	marketData := market.NewProvider(cfg.Mode, cfg.MarketDataURL, cfg.MarketDataAPIKey, cfg.MarketTimeout)
	toolRegistry := tools.NewDefaultRegistry(marketData)
	log.Printf("Tools: %s", strings.Join(toolRegistry.Names(), ", "))

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Register pipelines
	registry, err := workflow.NewRegistry(pipeline.All(pipeline.Deps{
		LLM:            llmClient,
		Market:         marketData,
		Tools:          toolRegistry,
		Policy:         policyEngine,
		AnalysisModels: cfg.AnalysisModels,
		SynthesisModel: cfg.SynthesisModel,
		MinSuccess:     cfg.AnalysisMinSuccess,
		Concurrency:    cfg.AnalysisConcurrency,
		MaxIterations:  cfg.ResearchMaxIterations,
	})...)
	if err != nil {
		log.Fatalf("Failed to register pipelines: %v", err)
	}

	// Initialize metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		log.Fatalf("Failed to initialize metrics: %v", err)
	}

	// Initialize service
	svc, err := service.New(db, registry, cfg, service.WithMetrics(m))
	if err != nil {
		log.Fatalf("Failed to initialize service: %v", err)
	}

	// Runs left unfinished by a previous process cannot resume.
	if n, err := svc.RecoverInterruptedRuns(ctx); err != nil {
		log.Fatalf("Failed to recover interrupted runs: %v", err)
	} else if n > 0 {
		log.Printf("WARN: marked %d interrupted runs as failed", n)
	}

	monitorCtx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go svc.RunStaleRunMonitor(monitorCtx)

	// Create HTTP server
	server := handler.NewServer(svc, m)

	// Create RPC server
	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		log.Fatalf("Failed to initialize RPC server: %v", err)
	}

	// Start HTTP server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	// Start RPC server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.RPCPort)
		if err := rpcServer.Start(addr); err != nil {
			log.Fatalf("Failed to start RPC server: %v", err)
		}
	}()

	log.Printf("API started on port %d", cfg.HTTPPort)
	log.Printf("RPC started on port %d", cfg.RPCPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down reports service...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopMonitor()
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}
	// Runs end first so open streams can drain their terminal events.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to wait for running pipelines: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}

	log.Println("Reports service stopped")
}
