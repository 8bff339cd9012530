// Package server exposes the HTTP API: auth, document ingestion, question
// answering, the notification stream and the admin surface.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/docstackhq/docstack/config"
	"github.com/docstackhq/docstack/internal/auth"
	"github.com/docstackhq/docstack/internal/embedding"
	"github.com/docstackhq/docstack/internal/journal"
	"github.com/docstackhq/docstack/internal/llm"
	"github.com/docstackhq/docstack/internal/notify"
	"github.com/docstackhq/docstack/internal/pipeline"
	"github.com/docstackhq/docstack/internal/rag"
	"github.com/docstackhq/docstack/internal/reconcile"
	"github.com/docstackhq/docstack/internal/search"
	"github.com/docstackhq/docstack/internal/store"
	"github.com/docstackhq/docstack/internal/worker"
)

// Run wires every dependency and serves the API until the listener fails.
func Run(cfg *config.Config) error {
	if err := cfg.LLM.Validate(); err != nil {
		return err
	}
	secret, err := auth.LoadJWTSecret(cfg)
	if err != nil {
		return err
	}

	httpLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e := newEcho(httpLogger)

	var reg prometheus.Registerer
	if cfg.Telemetry.Enabled {
		reg = prometheus.DefaultRegisterer
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	dsn := cfg.Storage.Postgres.DSN()
	if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
		httpLogger.Printf("warn: migrations: %v", err)
	}

	ctx := context.Background()
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return err
	}

	embedder := embedding.NewHTTPClient(cfg.Embedding.APIKey, cfg.Embedding.BaseURL,
		cfg.Embedding.Model, cfg.Embedding.Dimensions, cfg.Embedding.Timeout)
	provider := llm.NewHTTPProvider(cfg.LLM.APIKey, cfg.LLM.BaseURL, cfg.LLM.Model,
		cfg.LLM.Temperature, cfg.LLM.MaxTokens, cfg.LLM.Timeout)

	registry := notify.NewRegistry()
	notifier := notify.NewService(registry, log.New(log.Writer(), "[NOTIFY] ", log.LstdFlags), reg)

	lexical, err := search.NewLexical()
	if err != nil {
		return fmt.Errorf("lexical index: %w", err)
	}
	if err := rebuildLexical(ctx, st, lexical); err != nil {
		httpLogger.Printf("warn: rebuild lexical index: %v", err)
	}

	// Redis is optional. Without it the retry worker and the reconciler
	// lock are skipped; everything else works unchanged.
	var (
		rdb       *redis.Client
		publisher pipeline.Journal
	)
	if cfg.Storage.Redis.Enabled() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
		pub := journal.NewPublisher(rdb, 10000)
		publisher = pub
		if err := journal.EnsureGroup(ctx, rdb, worker.Group); err != nil {
			return fmt.Errorf("journal group: %w", err)
		}
		consumer := journal.NewConsumer(rdb, worker.Group, "docstackd")
		retrier := worker.New(st, st, embedder, consumer, pub,
			log.New(log.Writer(), "[RETRY] ", log.LstdFlags), reg)
		go func() {
			if err := retrier.Start(ctx); err != nil && ctx.Err() == nil {
				httpLogger.Printf("warn: retry worker stopped: %v", err)
			}
		}()
	}

	orch := pipeline.New(st, st, embedder, provider, notifier, publisher, lexical,
		cfg.LLM, cfg.Chunking, log.New(log.Writer(), "[PIPE] ", log.LstdFlags))
	engine := rag.New(st, st, embedder, provider, notifier, lexical,
		cfg.RAG, cfg.LLM.Model, log.New(log.Writer(), "[RAG] ", log.LstdFlags))

	if cfg.Reconcile.Enabled {
		sweeper, err := reconcile.New(st, st, rdb, cfg.Reconcile.CronSpec,
			log.New(log.Writer(), "[RECONCILE] ", log.LstdFlags))
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)
	}

	registerRoutes(e, routeDeps{
		secret: secret,
		auth:   &AuthHandler{Store: st, Secret: secret, AdminEmails: cfg.General.AdminEmails},
		documents: &DocumentsHandler{
			Store:     st,
			Pipeline:  orch,
			Keyword:   lexical,
			UploadDir: cfg.Storage.UploadDir,
			Logger:    httpLogger,
		},
		ask:           &AskHandler{Engine: engine},
		notifications: &NotificationsHandler{Registry: registry},
		admin:         &AdminHandler{Store: st, Notifier: notifier},
	})

	addr := cfg.Server.Address
	if addr == "" {
		addr = ":8080"
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}

// newEcho builds the echo instance with the shared middleware stack and a
// unified JSON error handler.
func newEcho(logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie", "Authorization"},
		AllowCredentials: true,
	}))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return e
}

type routeDeps struct {
	secret        []byte
	auth          *AuthHandler
	documents     *DocumentsHandler
	ask           *AskHandler
	notifications *NotificationsHandler
	admin         *AdminHandler
}

func registerRoutes(e *echo.Echo, deps routeDeps) {
	api := e.Group("/api")
	deps.auth.Register(api.Group("/auth"))

	authed := auth.EchoAuthMiddleware(deps.secret)
	deps.documents.Register(api.Group("/documents", authed))
	deps.ask.Register(api.Group("", authed))
	deps.notifications.Register(api.Group("/notifications", authed))
	deps.admin.Register(api.Group("/admin", authed, auth.RequireScopes(auth.ScopeAdmin)))
}

// rebuildLexical reloads the in-memory keyword index from stored chunks.
func rebuildLexical(ctx context.Context, st *store.Store, lexical *search.Lexical) error {
	ids, err := st.DocumentIDsWithChunks(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		doc, err := st.GetDocumentByID(ctx, id)
		if err != nil {
			continue
		}
		chunks, err := st.ListChunks(ctx, id)
		if err != nil {
			return err
		}
		if err := lexical.IndexChunks(id, doc.Filename, chunks); err != nil {
			return err
		}
	}
	return nil
}
