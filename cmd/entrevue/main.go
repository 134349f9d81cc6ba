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
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pavelanni/entrevue/internal/analysis"
	"github.com/pavelanni/entrevue/internal/cache"
	"github.com/pavelanni/entrevue/internal/event"
	"github.com/pavelanni/entrevue/internal/exam"
	"github.com/pavelanni/entrevue/internal/handler"
	appI18n "github.com/pavelanni/entrevue/internal/i18n"
	"github.com/pavelanni/entrevue/internal/llm"
	"github.com/pavelanni/entrevue/internal/llm/prompts"
	"github.com/pavelanni/entrevue/internal/model"
	"github.com/pavelanni/entrevue/internal/store"
	"github.com/pavelanni/entrevue/internal/store/mongostore"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "entrevue",
		Short: "French oral exam practice server",
	}

	serve := serveCmd()
	root.AddCommand(serve, importThemesCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE

	// Register serve flags on root so bare `entrevue --addr ...` still works.
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addStoreFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("db", "entrevue.db", "SQLite database path")
	f.String("store", "sqlite", "Conversation store (sqlite, mongo)")
	f.String("mongo-uri", "mongodb://localhost:27017", "MongoDB connection URI")
	f.String("mongo-db", mongostore.DefaultDatabase, "MongoDB database name")
}

func addLogFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":3001", "HTTP listen address")
	f.StringSliceP("themes", "t", nil, "Theme bank files, JSON or YAML (repeatable)")
	f.String("criteria", exam.DefaultCriteriaPath, "Exam criteria text file")
	f.String("llm-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("llm-key", "", "API key for the LLM")
	f.String("llm-model", "gpt-4o", "Chat model name")
	f.Duration("llm-timeout", 60*time.Second, "Timeout for a single LLM call")
	f.StringP("lang", "l", appI18n.DefaultLanguage, "Language of fixed replies and errors (fr, en)")
	f.Int("max-followups", exam.DefaultMaxFollowUps, "Maximum follow-up questions per primary question")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("redis-addr", "", "Redis address for the conversation cache (empty disables it)")
	f.Duration("redis-ttl", cache.DefaultTTL, "Lifetime of a cached conversation")
	f.String("amqp-url", "", "RabbitMQ URL for exam events (empty disables them)")
	f.String("amqp-exchange", event.DefaultExchange, "RabbitMQ topic exchange for exam events")
	f.StringSlice("cors-origins", []string{"http://localhost:5173"}, "Allowed CORS origins")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func importThemesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import-themes",
		Short: "Import theme banks into the database",
		RunE:  runImportThemes,
	}
	f := cmd.Flags()
	f.String("db", "entrevue.db", "SQLite database path")
	f.StringSliceP("themes", "t", nil, "Theme bank files, JSON or YAML (repeatable)")
	f.StringP("lang", "l", appI18n.DefaultLanguage, "Output language (fr, en)")
	addLogFlags(cmd)
	_ = cmd.MarkFlagRequired("themes")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export conversations with exam sessions and evaluations as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("prompt-variant", string(prompts.PromptStandard), "Prompt variant included in export metadata")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addStoreFlags(cmd)
	addLogFlags(cmd)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

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
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("ENTREVUE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("entrevue")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/entrevue")
	v.AddConfigPath("/etc/entrevue")
	v.AddConfigPath("/data")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

// conversationStore is what the server needs from a durable store.
type conversationStore interface {
	handler.Conversations
	Close(ctx context.Context) error
}

// sqliteConversations adapts the SQLite store's Close to the shared shape.
type sqliteConversations struct {
	*store.Store
}

func (s sqliteConversations) Close(context.Context) error { return nil }

// openConversations returns the configured conversation store. The SQLite
// store is shared with the theme catalogue and closed by the caller.
func openConversations(ctx context.Context, v *viper.Viper, db *store.Store) (conversationStore, error) {
	switch kind := strings.ToLower(v.GetString("store")); kind {
	case "", "sqlite":
		return sqliteConversations{db}, nil
	case "mongo":
		ms, err := mongostore.New(ctx, v.GetString("mongo-uri"), v.GetString("mongo-db"))
		if err != nil {
			return nil, err
		}
		slog.Info("using MongoDB conversation store", "database", v.GetString("mongo-db"))
		return ms, nil
	default:
		return nil, fmt.Errorf("unknown store %q (want sqlite or mongo)", kind)
	}
}

type eventSink interface {
	exam.Publisher
	Close() error
}

func openEvents(v *viper.Viper) (eventSink, error) {
	url := v.GetString("amqp-url")
	if url == "" {
		return event.Noop{}, nil
	}
	pub, err := event.NewPublisher(url, v.GetString("amqp-exchange"))
	if err != nil {
		return nil, err
	}
	return pub, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if paths := v.GetStringSlice("themes"); len(paths) > 0 {
		if _, err := db.ImportThemes(ctx, paths...); err != nil {
			return fmt.Errorf("import themes: %w", err)
		}
	}
	if n, err := db.ThemeCount(ctx); err != nil {
		return fmt.Errorf("count themes: %w", err)
	} else if n == 0 {
		slog.Warn("no themes loaded, exams will use the built-in questions only")
	}

	durable, err := openConversations(ctx, v, db)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer durable.Close(context.Background())

	var convs handler.Conversations = durable
	if addr := v.GetString("redis-addr"); addr != "" {
		client := redis.NewClient(&redis.Options{Addr: addr})
		defer client.Close()
		cached := cache.NewConversations(client, durable, v.GetDuration("redis-ttl"))
		if err := cached.Ping(ctx); err != nil {
			return fmt.Errorf("conversation cache: %w", err)
		}
		slog.Info("conversation cache enabled", "addr", addr, "ttl", v.GetDuration("redis-ttl"))
		convs = cached
	}

	events, err := openEvents(v)
	if err != nil {
		return fmt.Errorf("open event publisher: %w", err)
	}
	defer events.Close()

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}

	llmClient := llm.New(
		v.GetString("llm-url"),
		v.GetString("llm-key"),
		v.GetString("llm-model"),
		v.GetDuration("llm-timeout"),
	)
	if err := llmClient.Ping(ctx); err != nil {
		return fmt.Errorf("LLM health check: %w", err)
	}
	slog.Info("LLM endpoint OK", "url", v.GetString("llm-url"), "model", llmClient.Model())

	examCfg := model.ExamConfig{
		MaxFollowUps:  v.GetInt("max-followups"),
		PromptVariant: promptVariant,
		CriteriaPath:  v.GetString("criteria"),
	}
	engine := exam.New(llmClient, db, convs, examCfg, exam.WithPublisher(events))
	analyzer := analysis.New(llmClient, convs, db)
	h := handler.New(convs, db, engine, analyzer, llmClient)

	addr := v.GetString("addr")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(v.GetStringSlice("cors-origins"), lang),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"addr", addr,
			"model", llmClient.Model(),
			"llm_url", v.GetString("llm-url"),
			"lang", lang,
			"store", v.GetString("store"),
			"max_followups", examCfg.MaxFollowUps,
			"prompt_variant", promptVariant,
		)
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
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func runImportThemes(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	if err := appI18n.Init(v.GetString("lang")); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	n, err := db.ImportThemes(ctx, v.GetStringSlice("themes")...)
	if err != nil {
		return fmt.Errorf("import themes: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), appI18n.Tp(ctx, "ThemesImported", n))
	return nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := context.Background()

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	convs, err := openConversations(ctx, v, db)
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer convs.Close(ctx)

	results, err := store.ExportConversations(ctx, convs)
	if err != nil {
		return fmt.Errorf("export conversations: %w", err)
	}

	export := model.ConversationExport{
		ExportedAt:    time.Now().UTC(),
		PromptVariant: v.GetString("prompt-variant"),
		Count:         len(results),
		Results:       results,
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

	slog.Info("exported conversations", "count", len(results), "output", outPath)
	return nil
}
