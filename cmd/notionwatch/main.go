package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notionwatch/internal/auth"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/config"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/database"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/discord"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/identity"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/logging"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/metrics"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/monitors"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/notion"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/scheduler"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/server"
	"github.com/MarcoPoloResearchLab/notionwatch/internal/snapshots"
	"github.com/fsnotify/fsnotify"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "notionwatch",
		Short: "Notion database change notifier for Discord",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newTokenCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Admin API listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Admin token signing secret (overrides env)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("admin.token_ttl_minutes"), "Admin token TTL in minutes")
	cmd.PersistentFlags().Int("tick-seconds", defaults.GetInt("scheduler.tick_seconds"), "Scheduler tick period in seconds")
	cmd.PersistentFlags().Int("max-concurrent-monitors", defaults.GetInt("scheduler.max_concurrent_monitors"), "Monitors checked in parallel per tick")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "admin.signing_secret", "signing-secret")
	bindFlag(cmd, "admin.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "scheduler.tick_seconds", "tick-seconds")
	bindFlag(cmd, "scheduler.max_concurrent_monitors", "max-concurrent-monitors")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile == "" {
		return nil
	}
	viper.SetConfigFile(cfgFile)
	return viper.ReadInConfig()
}

func newTokenCommand() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an admin API token for a Discord server",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig)
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueAdminToken(cmd.Context(), tenantID)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n# expires in %s\n", token, time.Duration(expiresIn)*time.Second)
			return err
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "Discord server (guild) id the token administers")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}

func newTokenIssuer(appConfig config.AppConfig) (*auth.TokenIssuer, error) {
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.AdminSigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      appConfig.AdminTokenTTL,
	})
}

func runBot(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if err := appConfig.ValidateBot(); err != nil {
		return err
	}

	logger, level, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if cfgFile != "" {
		viper.OnConfigChange(func(event fsnotify.Event) {
			next := logging.ParseLevel(viper.GetString("log.level"))
			if next != level.Level() {
				level.SetLevel(next)
				logger.Info("log level changed", zap.String("level", next.String()), zap.String("file", event.Name))
			}
		})
		viper.WatchConfig()
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	notionClient := notion.NewClient(notion.ClientOptions{
		BaseURL:           appConfig.NotionBaseURL,
		APIVersion:        appConfig.NotionAPIVersion,
		MaxRetries:        appConfig.NotionMaxRetries,
		RequestsPerSecond: appConfig.NotionRequestsPerSec,
		Logger:            logger,
	})

	snapshotStore, err := snapshots.NewStore(db, logger)
	if err != nil {
		return err
	}
	monitorService, err := monitors.NewService(monitors.ServiceConfig{
		Database:   db,
		Snapshots:  snapshotStore,
		Schema:     notionClient,
		IDProvider: monitors.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	identityService, err := identity.NewService(identity.ServiceConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}

	bot, err := discord.NewBot(appConfig.DiscordToken, logger)
	if err != nil {
		return err
	}
	delivery, err := bot.Delivery()
	if err != nil {
		return err
	}

	collector := metrics.NewCollector()
	events := server.NewEventDispatcher()
	monitorScheduler, err := scheduler.New(scheduler.Config{
		Monitors:              monitorService,
		Snapshots:             snapshotStore,
		Source:                notionClient,
		Delivery:              delivery,
		Identities:            identityService,
		Publisher:             events,
		Metrics:               collector,
		TickInterval:          appConfig.TickInterval,
		MaxConcurrentMonitors: appConfig.MaxConcurrentMonitors,
		Logger:                logger,
	})
	if err != nil {
		return err
	}

	handler, err := newHTTPHandler(appConfig, monitorService, identityService, monitorScheduler, events, collector, logger)
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := bot.Open(signalCtx, monitorScheduler.Announce); err != nil {
		return err
	}
	defer bot.Close() //nolint:errcheck

	if err := monitorScheduler.Start(signalCtx); err != nil {
		return err
	}
	defer monitorScheduler.Stop()

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newHTTPHandler(
	appConfig config.AppConfig,
	monitorService *monitors.Service,
	identityService *identity.Service,
	checks server.CheckRunner,
	events *server.EventDispatcher,
	collector *metrics.Collector,
	logger *zap.Logger,
) (http.Handler, error) {
	if !strings.EqualFold(appConfig.LogLevel, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}
	if !appConfig.AdminEnabled() {
		logger.Warn("admin.signing_secret not set; serving metrics only")
		router := gin.New()
		router.Use(gin.Recovery())
		router.GET("/metrics", gin.WrapH(collector.Handler()))
		return router, nil
	}

	issuer, err := newTokenIssuer(appConfig)
	if err != nil {
		return nil, err
	}
	return server.NewHTTPHandler(server.Dependencies{
		TokenValidator: issuer,
		Monitors:       monitorService,
		Identities:     identityService,
		Checks:         checks,
		Events:         events,
		Metrics:        collector.Handler(),
		Logger:         logger,
	})
}
