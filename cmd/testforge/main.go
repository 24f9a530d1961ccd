package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/pavelanni/testforge/internal/event"
	"github.com/pavelanni/testforge/internal/handler"
	appI18n "github.com/pavelanni/testforge/internal/i18n"
	"github.com/pavelanni/testforge/internal/llm"
	"github.com/pavelanni/testforge/internal/llm/prompts"
	"github.com/pavelanni/testforge/internal/metrics"
	"github.com/pavelanni/testforge/internal/model"
	"github.com/pavelanni/testforge/internal/store"
)

// sweepInterval is how often idle drafts and attempts are dropped.
const sweepInterval = 5 * time.Minute

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "testforge",
		Short: "AI-assisted test authoring and grading server",
	}

	serve := serveCmd()
	root.AddCommand(serve, exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `testforge --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("store", "sqlite", "Storage backend (sqlite, redis)")
	f.String("db", "testforge.db", "SQLite database path")
	f.String("redis-addr", "localhost:6379", "Redis address")
	f.String("redis-password", "", "Redis password")
	f.Int("redis-db", 0, "Redis database number")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
	f.String("log-file", "", "Also write logs to this file, rotated")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for LLM")
	f.String("llm-model", "gpt-4o", "Model used to generate questions")
	f.String("llm-eval-model", "gpt-4o-mini", "Model used to grade submissions")
	f.String("llm-schema-mode", string(llm.SchemaModeJSONSchema), "Structured output mode (json_schema, json_object)")
	f.Bool("llm-ping", true, "Check the LLM endpoint at startup")
	f.StringP("lang", "l", "fr", "UI and generated content language ("+strings.Join(appI18n.Languages(), ", ")+")")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("public-url", "http://localhost:8080", "Public origin used in share links")
	f.String("base-path", "", "URL prefix for sub-path deployments (e.g. /fr)")
	f.String("jwt-secret", "", "HS256 secret of the identity provider (empty disables the authoring gate)")
	f.String("jwt-issuer", "", "Expected token issuer")
	f.String("amqp-url", "", "AMQP broker URL for lifecycle events (empty disables events)")
	f.String("amqp-exchange", "testforge.events", "AMQP topic exchange")
	f.Duration("session-idle", 24*time.Hour, "Drop drafts and attempts unused for this long")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a published test and its results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("test-id", "", "Published test identifier (required)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(cmd)
	addLogFlags(cmd)

	_ = cmd.MarkFlagRequired("test-id")

	return cmd
}

// setupLogging installs the default logger. The returned func releases the
// log file, if any.
func setupLogging(v *viper.Viper) func() {
	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var out io.Writer = os.Stderr
	closeLog := func() {}
	if path := v.GetString("log-file"); path != "" {
		file := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, file)
		closeLog = func() { _ = file.Close() }
	}

	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(out, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
	return closeLog
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("TESTFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("testforge")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/testforge")
	v.AddConfigPath("/etc/testforge")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Info("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// openStore connects the configured backend.
func openStore(ctx context.Context, v *viper.Viper) (*store.Store, error) {
	switch backend := strings.ToLower(v.GetString("store")); backend {
	case "", "sqlite":
		kv, err := store.NewSQLite(v.GetString("db"))
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
		slog.Info("using sqlite store", "path", v.GetString("db"))
		return store.New(kv), nil
	case "redis":
		kv, err := store.NewRedis(ctx, v.GetString("redis-addr"), v.GetString("redis-password"), v.GetInt("redis-db"))
		if err != nil {
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		slog.Info("using redis store", "addr", v.GetString("redis-addr"), "db", v.GetInt("redis-db"))
		return store.New(kv), nil
	default:
		return nil, fmt.Errorf("unknown store %q", backend)
	}
}

func openPublisher(v *viper.Viper) (event.Publisher, error) {
	url := v.GetString("amqp-url")
	if url == "" {
		return event.Nop{}, nil
	}
	p, err := event.NewAMQP(url, v.GetString("amqp-exchange"))
	if err != nil {
		return nil, err
	}
	slog.Info("publishing lifecycle events", "exchange", v.GetString("amqp-exchange"))
	return p, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	closeLog := setupLogging(v)
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	// Initialize i18n.
	lang := v.GetString("lang")
	if !slices.Contains(appI18n.Languages(), lang) {
		return fmt.Errorf("unsupported lang %q (available: %s)", lang, strings.Join(appI18n.Languages(), ", "))
	}
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}

	m := metrics.New()
	llmClient, err := llm.New(llm.Options{
		BaseURL:    v.GetString("llm-url"),
		APIKey:     v.GetString("llm-key"),
		Model:      v.GetString("llm-model"),
		EvalModel:  v.GetString("llm-eval-model"),
		SchemaMode: llm.SchemaMode(v.GetString("llm-schema-mode")),
		Lang:       lang,
		Variant:    prompts.PromptVariant(promptVariant),
		Metrics:    m,
	})
	if err != nil {
		return fmt.Errorf("create LLM client: %w", err)
	}
	if v.GetBool("llm-ping") {
		if err := llmClient.Ping(ctx); err != nil {
			return fmt.Errorf("LLM health check: %w", err)
		}
		slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", v.GetString("llm-model"))
	}

	events, err := openPublisher(v)
	if err != nil {
		return fmt.Errorf("connect event broker: %w", err)
	}
	defer events.Close()

	// Normalize base path.
	basePath := strings.TrimRight(v.GetString("base-path"), "/")
	if basePath != "" && !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}

	serverCfg := model.ServerConfig{
		PublicURL:   strings.TrimRight(v.GetString("public-url"), "/"),
		BasePath:    basePath,
		JWTSecret:   v.GetString("jwt-secret"),
		JWTIssuer:   v.GetString("jwt-issuer"),
		SessionIdle: v.GetDuration("session-idle"),
	}
	if serverCfg.JWTSecret == "" {
		slog.Warn("jwt-secret is empty, authoring routes are open")
	}

	h, err := handler.New(handler.Deps{Store: db, LLM: llmClient, Metrics: m, Events: events}, serverCfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	go h.RunSweeper(ctx, sweepInterval)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(appI18n.Middleware)
	r.Method(http.MethodGet, "/metrics", m.Handler())

	if basePath != "" {
		r.Route(basePath, func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	} else {
		r.Group(func(sub chi.Router) {
			sub.Use(h.BasePathMiddleware)
			h.Routes(sub)
		})
	}

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("starting server",
		"addr", addr,
		"store", v.GetString("store"),
		"model", v.GetString("llm-model"),
		"eval_model", v.GetString("llm-eval-model"),
		"llm_url", v.GetString("llm-url"),
		"lang", lang,
		"prompt_variant", promptVariant,
		"public_url", serverCfg.PublicURL,
		"base_path", basePath,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)
	closeLog := setupLogging(v)
	defer closeLog()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	db, err := openStore(ctx, v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportTest(ctx, v.GetString("test-id"))
	if err != nil {
		return fmt.Errorf("export test: %w", err)
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	_, err = w.Write(data)
	if err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)

	slog.Info("exported test", "test", export.Test.ID, "results", export.NumResults)
	return nil
}
