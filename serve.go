package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relaycall-core/server/internal/agent/engine"
	"github.com/relaycall-core/server/internal/agent/extract"
	"github.com/relaycall-core/server/internal/agent/graph/conversations"
	"github.com/relaycall-core/server/internal/agent/graph/prompts"
	"github.com/relaycall-core/server/internal/agent/knowledge"
	"github.com/relaycall-core/server/internal/agent/llm"
	"github.com/relaycall-core/server/internal/agent/model"
	"github.com/relaycall-core/server/internal/agent/repo"
	"github.com/relaycall-core/server/internal/agent/session"
	"github.com/relaycall-core/server/internal/agent/stream"
	"github.com/relaycall-core/server/internal/agent/termination"
	"github.com/relaycall-core/server/internal/metrics"
	"github.com/relaycall-core/server/internal/server"
	"github.com/relaycall-core/server/internal/telephony"
	logx "github.com/relaycall-core/server/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the call server",
	Long:  `Starts the HTTP server that answers Twilio webhooks and hosts the ConversationRelay socket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		cfg, err := loadConfig(envFile)
		if err != nil {
			return err
		}
		logx.Init(logx.LoggerOpts{Environment: cfg.Environment()})

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg AppConfig) error {
	rdb, err := cfg.Redis.New(ctx)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer rdb.Close()

	pool, err := cfg.Postgres.New(ctx)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer pool.Close()
	logx.Info().Msg("connected to redis and postgres")

	if cfg.Migrate {
		if err := repo.EnsureSchema(ctx, pool); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}

	var workflows model.WorkflowRepository = repo.NewPostgresWorkflowRepository(pool)
	if cfg.WorkflowDir != "" {
		workflows = repo.NewFileWorkflowRepository(cfg.WorkflowDir)
		logx.Info().Str("dir", cfg.WorkflowDir).Msg("loading workflows from files")
	}

	models, err := llm.NewChatModels(ctx, llm.ChatModelConfig{
		Provider:   cfg.Provider,
		RespConfig: &cfg.Response,
		ExtConfig:  &cfg.Extraction,
	})
	if err != nil {
		return err
	}
	embedder, err := newEmbedder(ctx, cfg)
	if err != nil {
		return err
	}

	extractor, err := extract.NewExtractor(ctx, models.Extraction, cfg.Extraction.Timeout)
	if err != nil {
		return err
	}

	ttl, err := cfg.ConversationTTL()
	if err != nil {
		return err
	}
	transcripts := repo.NewRedisConversationRepository(rdb, ttl, 2*cfg.Conversation.MaxTurns)

	tw := telephony.NewTwilio(cfg.Telephony, nil)
	var (
		callControl termination.Telephony
		dialer      server.Dialer
	)
	if tw != nil {
		callControl, dialer = tw, tw
	} else {
		logx.Warn().Msg("twilio is not configured: hangup, transfer and outbound calls are disabled")
	}

	store := session.NewStore()
	coordinator := termination.NewCoordinator(newActions(rdb, pool), callControl, store, cfg.Engine, cfg.Telephony.Timeout)

	eng, err := engine.New(engine.Config{
		Engine:    cfg.Engine,
		Grounding: prompts.ParseGroundingPolicy(cfg.Knowledge.Grounding),
	}, engine.Deps{
		Workflows:  workflows,
		Knowledge:  knowledge.NewCache(embedder, repo.NewPgVectorStore(pool), cfg.Knowledge, knowledge.WithRedis(rdb)),
		Driver:     stream.NewDriver(models.Response, models.ResponseModelName, cfg.Response.Timeout),
		Extractor:  extractor,
		Messages:   conversations.NewMessagesManager(transcripts, cfg.Conversation),
		Terminator: coordinator,
		Store:      store,
	})
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := metrics.Register(reg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	srv := server.New(eng, dialer, cfg.Server, cfg.Engine.DefaultAgentID, reg).HTTPServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logx.Info().Str("addr", srv.Addr).Str("env", cfg.Environment().String()).Msg("call server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logx.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
		defer cancel()

		// Sessions first, so their end events still reach the open sockets.
		if err := eng.Shutdown(shutdownCtx); err != nil {
			logx.Warn().Err(err).Msg("sessions did not drain")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logx.Warn().Err(err).Msg("http shutdown incomplete")
			_ = srv.Close()
		}
		return nil
	})
	return g.Wait()
}

func newEmbedder(ctx context.Context, cfg AppConfig) (embedding.Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider.Name)) {
	case llm.ProviderOpenAI:
		client, err := llm.NewOpenAIClient(cfg.Provider)
		if err != nil {
			return nil, err
		}
		return llm.NewOpenAIEmbedder(client, cfg.Knowledge.EmbeddingModel), nil
	default:
		client, err := llm.NewGeminiClient(ctx, cfg.Provider)
		if err != nil {
			return nil, err
		}
		return llm.NewGeminiEmbedder(client, cfg.Knowledge.EmbeddingModel), nil
	}
}

func newActions(rdb *redis.Client, db repo.DB) *termination.Registry {
	actions := termination.NewRegistry()
	actions.Register(termination.ActionPublish, termination.PublishAction(rdb))
	actions.Register(termination.ActionRecord, termination.RecordAction(repo.NewPostgresOutcomeRecorder(db)))
	actions.Register(termination.ActionWebhook, termination.WebhookAction(nil))
	return actions
}
