package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/sitemap/internal/auth"
	"github.com/MarcoPoloResearchLab/sitemap/internal/catalog"
	"github.com/MarcoPoloResearchLab/sitemap/internal/config"
	"github.com/MarcoPoloResearchLab/sitemap/internal/database"
	"github.com/MarcoPoloResearchLab/sitemap/internal/editors"
	"github.com/MarcoPoloResearchLab/sitemap/internal/logging"
	"github.com/MarcoPoloResearchLab/sitemap/internal/server"
	"github.com/MarcoPoloResearchLab/sitemap/internal/sessionstore"
	"github.com/MarcoPoloResearchLab/sitemap/internal/sitemap"
	"github.com/MarcoPoloResearchLab/sitemap/internal/store"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownGracePeriod = 10 * time.Second

// cliFlag ties a command-line flag to the configuration key it overrides.
type cliFlag struct {
	name  string
	key   string
	usage string
}

var stringFlags = []cliFlag{
	{name: "http-address", key: "http.address", usage: "HTTP listen address"},
	{name: "database-path", key: "database.path", usage: "SQLite database path"},
	{name: "log-level", key: "log.level", usage: "Log level (debug, info, warn, error)"},
	{name: "log-encoding", key: "log.encoding", usage: "Log encoding (json, console)"},
	{name: "signing-secret", key: "tauth.signing_secret", usage: "Session signing secret (overrides env)"},
	{name: "cookie-name", key: "tauth.cookie_name", usage: "Session cookie name"},
	{name: "editor-role", key: "tauth.editor_role", usage: "Role required to edit the sitemap"},
	{name: "clipboard-path", key: "clipboard.path", usage: "Clipboard store directory (empty keeps clipboards in memory)"},
	{name: "subtree-root", key: "sitemap.subtree_root", usage: "Folder holding promoted subtrees"},
	{name: "default-document", key: "sitemap.default_document", usage: "Name of a folder's default document"},
	{name: "catalog-path", key: "catalog.path", usage: "Property catalog YAML (empty uses the built-in catalog)"},
}

var intFlags = []cliFlag{
	{name: "clipboard-max-entries", key: "clipboard.max_entries", usage: "Entries kept per clipboard list"},
	{name: "prefetch-depth", key: "sitemap.prefetch_depth", usage: "Tree depth returned by prefetch"},
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configFile string
	settings := viper.GetViper()
	config.ApplyDefaults(settings)

	command := &cobra.Command{
		Use:          "sitemap-api",
		Short:        "Sitemap editing backend service",
		SilenceUsage: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return readConfigFile(settings, configFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(settings)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), appConfig)
		},
	}

	flags := command.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "Path to configuration file")
	flags.StringSlice("allowed-origins", nil, "Origins allowed to call the API with credentials")
	mustBind(settings, "http.allowed_origins", flags.Lookup("allowed-origins"))

	defaults := config.NewViper()
	for _, flag := range stringFlags {
		flags.String(flag.name, defaults.GetString(flag.key), flag.usage)
		mustBind(settings, flag.key, flags.Lookup(flag.name))
	}
	for _, flag := range intFlags {
		flags.Int(flag.name, defaults.GetInt(flag.key), flag.usage)
		mustBind(settings, flag.key, flags.Lookup(flag.name))
	}
	return command
}

func mustBind(settings *viper.Viper, key string, flag *pflag.Flag) {
	if err := settings.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// readConfigFile loads an optional config file; only an explicitly named file must exist.
func readConfigFile(settings *viper.Viper, configFile string) error {
	if configFile != "" {
		settings.SetConfigFile(configFile)
	}
	if err := settings.ReadInConfig(); err != nil && configFile != "" {
		return fmt.Errorf("read config %s: %w", configFile, err)
	}
	return nil
}

// application holds the wired HTTP handler and everything that must be closed on exit.
type application struct {
	handler http.Handler
	closers []func() error
}

func (app *application) close(logger *zap.Logger) {
	for index := len(app.closers) - 1; index >= 0; index-- {
		if err := app.closers[index](); err != nil {
			logger.Warn("shutdown close failed", zap.Error(err))
		}
	}
}

func buildApplication(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (*application, error) {
	app := &application{}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	app.closers = append(app.closers, sqlDB.Close)

	repository, err := store.NewRepository(store.RepositoryConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: store.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}

	properties, err := catalog.Load(appConfig.CatalogPath)
	if err != nil {
		app.close(logger)
		return nil, err
	}
	if err := properties.Watch(ctx, logger); err != nil {
		app.close(logger)
		return nil, err
	}

	sitemapService, err := sitemap.NewService(sitemap.ServiceConfig{
		Repository:          repository,
		Catalog:             properties,
		SubtreeRoot:         appConfig.SubtreeRoot,
		DefaultDocumentName: appConfig.DefaultDocument,
		PrefetchDepth:       appConfig.PrefetchDepth,
		ClipboardLimit:      appConfig.ClipboardMaxEntries,
		Clock:               time.Now,
		Logger:              logger,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}

	editorService, err := editors.NewService(editors.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
		RequiredRole:  appConfig.TAuthEditorRole,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}

	clipboards, err := sessionstore.Open(sessionstore.Config{
		Path:       appConfig.ClipboardPath,
		SyncWrites: appConfig.ClipboardPath != "",
		Logger:     logger,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}
	app.closers = append(app.closers, clipboards.Close)

	app.handler, err = server.NewHTTPHandler(server.Dependencies{
		Sessions:       sessionValidator,
		Editors:        editorService,
		Sitemap:        sitemapService,
		Clipboards:     clipboards,
		Realtime:       server.NewRealtimeDispatcher(),
		AllowedOrigins: appConfig.AllowedOrigins,
		Logger:         logger,
	})
	if err != nil {
		app.close(logger)
		return nil, err
	}
	return app, nil
}

func serve(ctx context.Context, appConfig config.AppConfig) error {
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogEncoding)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := buildApplication(signalCtx, appConfig, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		return err
	}
	defer app.close(logger)

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           app.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	listenErr := make(chan error, 1)
	go func() {
		defer close(listenErr)
		logger.Info("sitemap api listening", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	select {
	case err, failed := <-listenErr:
		if failed {
			return err
		}
		return nil
	case <-signalCtx.Done():
	}

	logger.Info("sitemap api shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
