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

	"github.com/MarcoPoloResearchLab/bloggies/internal/auth"
	"github.com/MarcoPoloResearchLab/bloggies/internal/billing"
	"github.com/MarcoPoloResearchLab/bloggies/internal/config"
	"github.com/MarcoPoloResearchLab/bloggies/internal/database"
	"github.com/MarcoPoloResearchLab/bloggies/internal/logging"
	"github.com/MarcoPoloResearchLab/bloggies/internal/posts"
	"github.com/MarcoPoloResearchLab/bloggies/internal/server"
	"github.com/MarcoPoloResearchLab/bloggies/internal/users"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	config.LoadDotEnv("")

	rootCmd := &cobra.Command{
		Use:   "bloggies-api",
		Short: "Bloggies backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newMintTokenCommand(), newSetMembershipCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Identity token TTL in minutes")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().String("signing-secret", "", "Identity token signing secret (overrides env)")
	cmd.PersistentFlags().String("billing-secret", "", "Shared secret for billing events (overrides env)")
	cmd.PersistentFlags().String("allowed-origins", "", "Comma-separated CORS origins allowed to call the API")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "billing.webhook_secret", "billing-secret")
	bindFlag(cmd, "cors.allowed_origins", "allowed-origins")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

type appRuntime struct {
	config config.AppConfig
	logger *zap.Logger
	db     *gorm.DB
	users  *users.Service
}

func openRuntime() (*appRuntime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:               db,
		Clock:                  time.Now,
		Logger:                 logger,
		MembershipPeriodMonths: appConfig.MembershipPeriodMonths,
	})
	if err != nil {
		_ = sqlDB.Close()
		_ = logger.Sync()
		return nil, nil, err
	}

	closer := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	return &appRuntime{config: appConfig, logger: logger, db: db, users: usersService}, closer, nil
}

func runServer(ctx context.Context) error {
	rt, closeRuntime, err := openRuntime()
	if err != nil {
		return err
	}
	defer closeRuntime()
	logger := rt.logger

	dispatcher := server.NewRealtimeDispatcher()
	postsService, err := posts.NewService(posts.ServiceConfig{
		Database:   rt.db,
		Clock:      time.Now,
		IDProvider: posts.NewUUIDProvider(),
		Logger:     logger,
		Notifier:   dispatcher,
	})
	if err != nil {
		return err
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(rt.config.AuthSigningSecret),
		Issuer:        rt.config.AuthIssuer,
		CookieName:    rt.config.AuthCookieName,
	})
	if err != nil {
		return err
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, billing.NewZapLoggerAdapter(logger))
	defer bus.Close() //nolint:errcheck

	consumer, err := billing.NewConsumer(billing.ConsumerConfig{Subscriber: bus, Applier: rt.users, Logger: logger})
	if err != nil {
		return err
	}
	consumerCtx, stopConsumer := context.WithCancel(signalCtx)
	defer stopConsumer()
	consumerDone, err := consumer.Start(consumerCtx)
	if err != nil {
		return err
	}
	publisher, err := billing.NewPublisher(bus)
	if err != nil {
		return err
	}

	dependencies := server.Dependencies{
		Identity:       validator,
		UsersService:   rt.users,
		PostsService:   postsService,
		Realtime:       dispatcher,
		AllowedOrigins: rt.config.AllowedOrigins,
		Logger:         logger,
	}
	if rt.config.BillingWebhookSecret != "" {
		dependencies.Billing = publisher
		dependencies.BillingSecret = rt.config.BillingWebhookSecret
	} else {
		logger.Warn("billing events endpoint disabled", zap.String("reason", "missing_webhook_secret"))
	}
	handler, err := server.NewHTTPHandler(dependencies)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              rt.config.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", rt.config.HTTPAddress),
			zap.String("database_driver", rt.config.DatabaseDriver))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		stopConsumer()
		<-consumerDone
		logger.Info("server stopped")
		return err
	case err := <-errCh:
		stopConsumer()
		<-consumerDone
		return err
	}
}

func newMintTokenCommand() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "mint-token",
		Short: "Issue an identity token for a registered user",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			id, err := users.NewUserID(userID)
			if err != nil {
				return err
			}
			if _, err := rt.users.GetUser(cmd.Context(), id); err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(rt.config.AuthSigningSecret),
				Issuer:        rt.config.AuthIssuer,
				TokenTTL:      rt.config.TokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(id.String())
			if err != nil {
				return err
			}
			rt.logger.Info("identity token issued", zap.String("user_id", id.String()), zap.Int64("expires_in_s", expiresIn))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User the token identifies")
	_ = cmd.MarkFlagRequired("user-id")
	return cmd
}

func newSetMembershipCommand() *cobra.Command {
	var (
		userID string
		status string
	)
	cmd := &cobra.Command{
		Use:   "set-membership",
		Short: "Move a user to the active or inactive membership status",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, closeRuntime, err := openRuntime()
			if err != nil {
				return err
			}
			defer closeRuntime()

			id, err := users.NewUserID(userID)
			if err != nil {
				return err
			}
			parsed, err := users.ParseMembershipStatus(status)
			if err != nil {
				return err
			}
			membership, err := rt.users.UpdateMembership(cmd.Context(), id, parsed)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s start=%s end=%s\n",
				membership.UserID, membership.Status, formatOptionalTime(membership.StartAt), formatOptionalTime(membership.EndAt))
			return nil
		},
	}
	cmd.Flags().StringVar(&userID, "user-id", "", "User whose membership changes")
	cmd.Flags().StringVar(&status, "status", "", "New membership status (active, inactive)")
	_ = cmd.MarkFlagRequired("user-id")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func formatOptionalTime(value *time.Time) string {
	if value == nil {
		return "-"
	}
	return value.UTC().Format(time.RFC3339)
}
