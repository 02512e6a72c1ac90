// Command classifier-agent serves the conversation classification agent's
// three HTTP/SSE endpoints, mirroring the teacher's cobra-rooted CLI shape
// (one root command, config flags, context-scoped signal handling). It has
// no subcommands; runs are started and resumed over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.opentelemetry.io/otel"
	"goa.design/clue/log"

	"github.com/convoclassify/agent/internal/checkpoint"
	checkpointinmem "github.com/convoclassify/agent/internal/checkpoint/inmem"
	checkpointmongo "github.com/convoclassify/agent/internal/checkpoint/mongo"
	"github.com/convoclassify/agent/internal/classifier"
	"github.com/convoclassify/agent/internal/config"
	"github.com/convoclassify/agent/internal/convstore"
	convstoreinmem "github.com/convoclassify/agent/internal/convstore/inmem"
	convstoremongo "github.com/convoclassify/agent/internal/convstore/mongo"
	"github.com/convoclassify/agent/internal/embeddings"
	"github.com/convoclassify/agent/internal/llm"
	"github.com/convoclassify/agent/internal/llm/anthropic"
	"github.com/convoclassify/agent/internal/llm/openai"
	"github.com/convoclassify/agent/internal/retrieval"
	"github.com/convoclassify/agent/internal/telemetry"
	"github.com/convoclassify/agent/internal/transport/sse"
)

var (
	// Version is set via ldflags at release build time.
	Version = "dev"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpAddr string
		useMongo bool
	)

	rootCmd := &cobra.Command{
		Use:     "classifier-agent",
		Short:   "Conversation classification agent",
		Long:    "classifier-agent serves the classification agent's ask/resume/command endpoints over SSE.",
		Version: Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), httpAddr, useMongo)
		},
	}
	rootCmd.Flags().StringVar(&httpAddr, "http-addr", "", "listen address (overrides CLASSIFIER_HTTP_ADDR)")
	rootCmd.Flags().BoolVar(&useMongo, "mongo", true, "use MongoDB-backed stores instead of in-memory ones")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return rootCmd.ExecuteContext(ctx)
}

func serve(ctx context.Context, httpAddrFlag string, useMongo bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	httpAddr := cfg.HTTPAddr
	if httpAddrFlag != "" {
		httpAddr = httpAddrFlag
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx = log.Context(ctx, log.WithFormat(format))

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewOTelMetrics(otel.Meter("github.com/convoclassify/agent"))
	tracer := telemetry.NewOTelTracer(otel.Tracer("github.com/convoclassify/agent"))

	var (
		checkpointStore checkpoint.Store
		conversations   convstore.Store
		translator      convstore.Translator = convstoremongo.JSONTranslator{}
	)

	if useMongo {
		mongoClient, err := mongodriver.Connect(options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			return fmt.Errorf("connect mongo: %w", err)
		}
		defer mongoClient.Disconnect(ctx)

		checkpointStore, err = checkpointmongo.New(ctx, checkpointmongo.Options{
			Client:   mongoClient,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			return fmt.Errorf("init checkpoint store: %w", err)
		}
		conversations, err = convstoremongo.New(convstoremongo.Options{
			Client:   mongoClient,
			Database: cfg.MongoDatabase,
		})
		if err != nil {
			return fmt.Errorf("init conversation store: %w", err)
		}
	} else {
		checkpointStore = checkpointinmem.New()
		conversations = convstoreinmem.New()
	}

	llmClient, model, err := buildLLMClient(cfg)
	if err != nil {
		return fmt.Errorf("init llm client: %w", err)
	}
	broker, err := llm.New(llm.Options{
		Client:          llmClient,
		Logger:          logger,
		Metrics:         metrics,
		RateLimitPerSec: 2,
	})
	if err != nil {
		return fmt.Errorf("init llm broker: %w", err)
	}

	var lock classifier.RunLock
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		lock = classifier.NewRedisLock(redis.NewClient(opts))
	}

	retrievalLoop, err := buildRetrievalLoop(ctx, cfg, broker)
	if err != nil {
		logger.Warn(ctx, "retrieval loop unavailable, planner will fall back to structured queries only", "err", err)
	}

	runtime := classifier.New(classifier.Deps{
		Checkpoint:    checkpointStore,
		Conversations: conversations,
		Translator:    translator,
		Broker:        broker,
		Retrieval:     retrievalLoop,
		Lock:          lock,
		Logger:        logger,
		Metrics:       metrics,
		Tracer:        tracer,
		MaxPlans:      cfg.MaxPlans,
		MaxModelCalls: cfg.MaxModelCalls,
		MaxBatch:      cfg.MaxBatch,
		Model:         model,
	})
	dispatcher := classifier.NewDispatcher(runtime)

	mux := http.NewServeMux()
	sse.NewServer(runtime, dispatcher).Routes(mux)

	server := &http.Server{Addr: httpAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info(ctx, "classifier-agent listening", "addr", httpAddr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func buildLLMClient(cfg *config.Config) (llm.Client, string, error) {
	switch cfg.LLMProvider {
	case "openai":
		model := "gpt-4o"
		client, err := openai.NewFromAPIKey(cfg.OpenAIAPIKey, model)
		return client, model, err
	default:
		model := "claude-sonnet-4-5"
		client, err := anthropic.NewFromAPIKey(cfg.AnthropicAPIKey, model)
		return client, model, err
	}
}

func buildRetrievalLoop(ctx context.Context, cfg *config.Config, broker *llm.Broker) (*retrieval.Loop, error) {
	if cfg.OpenAIAPIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set, embeddings unavailable")
	}
	embedder, err := embeddings.NewOpenAIEmbedderFromAPIKey(cfg.OpenAIAPIKey, "")
	if err != nil {
		return nil, err
	}
	index, err := retrieval.NewQdrantIndex(retrieval.QdrantConfig{
		Host:       cfg.QdrantHost,
		Port:       cfg.QdrantPort,
		APIKey:     cfg.QdrantAPIKey,
		Collection: "conversations",
	})
	if err != nil {
		return nil, err
	}
	return retrieval.New(broker, index, embedder), nil
}
