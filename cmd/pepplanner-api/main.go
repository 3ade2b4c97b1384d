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

	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/calculator"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/doses"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/server"
	"github.com/MarcoPoloResearchLab/pepplanner/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pepplanner-api",
		Short: "Pepplanner backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(newServeCommand(), newSignCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}
}

func newSignCommand() *cobra.Command {
	var claim auth.Claim
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print a signed SSO payload for local testing",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("sso.secret")
			if strings.TrimSpace(secret) == "" {
				return errors.New("sso.secret is required")
			}
			if claim.ExternalID <= 0 || strings.TrimSpace(claim.Username) == "" {
				return errors.New("--external-id and --username are required")
			}
			payload := auth.EncodePayload(claim)
			signature := auth.NewSignatureVerifier([]byte(secret)).Sign(payload)
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n%s: %s\n", auth.HeaderSSOPayload, payload, auth.HeaderSSOSignature, signature)
			return nil
		},
	}
	cmd.Flags().Int64Var(&claim.ExternalID, "external-id", 0, "Discourse user id")
	cmd.Flags().StringVar(&claim.Username, "username", "", "Discourse username")
	cmd.Flags().StringVar(&claim.Email, "email", "", "Email address")
	cmd.Flags().StringVar(&claim.DisplayName, "name", "", "Display name")
	return cmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("environment", defaults.GetString("environment"), "Deployment environment (production, development)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-dsn", defaults.GetString("database.dsn"), "Database DSN or SQLite path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("sso-secret", "", "Shared SSO signing secret (overrides env)")
	cmd.PersistentFlags().String("sso-unsigned-payloads", defaults.GetString("sso.unsigned_payloads"), "Unsigned payload policy (allow, deny)")
	cmd.PersistentFlags().String("cors-origin", defaults.GetString("cors.origin"), "Comma separated allowed CORS origins")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "environment", "environment")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "sso.secret", "sso-secret")
	bindFlag(cmd, "sso.unsigned_payloads", "sso-unsigned-payloads")
	bindFlag(cmd, "cors.origin", "cors-origin")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	return readConfigFile(viper.GetViper(), cfgFile)
}

// readConfigFile loads path when given, failing on any read or parse error. Without a path
// it looks for an optional pepplanner.* file in the working directory.
func readConfigFile(configViper *viper.Viper, path string) error {
	if path != "" {
		configViper.SetConfigFile(path)
		if err := configViper.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}

	configViper.SetConfigName("pepplanner")
	configViper.AddConfigPath(".")
	if err := configViper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if errors.As(err, &configNotFound) {
			return nil
		}
		return err
	}
	return nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	development := appConfig.Environment == auth.EnvironmentDevelopment
	logger, err := logging.NewLogger(appConfig.LogLevel, development)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	if !development {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := database.Open(appConfig.DatabaseDriver, appConfig.DatabaseDSN, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	userService, err := users.NewService(users.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	gate, err := auth.NewGate(auth.GateConfig{
		Verifier:       auth.NewSignatureVerifier([]byte(appConfig.SSOSecret)),
		Store:          userService,
		Environment:    appConfig.Environment,
		UnsignedPolicy: appConfig.UnsignedPolicy,
	})
	if err != nil {
		return err
	}

	doseService, err := doses.NewService(doses.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: doses.NewUUIDProvider(),
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	calculatorService, err := calculator.NewService(calculator.ServiceConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	dispatcher := server.NewRealtimeDispatcher()
	handler, err := server.NewHTTPHandler(server.Dependencies{
		Gate:              gate,
		DoseService:       doseService,
		CalculatorService: calculatorService,
		HealthCheck: func(ctx context.Context) error {
			return database.Ping(ctx, db)
		},
		Realtime:    dispatcher,
		CORSOrigins: appConfig.CORSOrigins,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	if development {
		logger.Warn("development bypass enabled", zap.String("header", auth.HeaderDevUserID))
	}
	if appConfig.UnsignedPolicy == auth.UnsignedPolicyAllow {
		logger.Warn("unsigned SSO payloads are accepted")
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}
	// Open event streams never finish on their own.
	httpServer.RegisterOnShutdown(dispatcher.Close)

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.HTTPAddress),
			zap.String("environment", string(appConfig.Environment)),
			zap.String("database_driver", appConfig.DatabaseDriver))
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
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
