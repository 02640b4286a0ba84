package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/dangson92/licensegate/internal/api"
	"github.com/dangson92/licensegate/internal/app"
	"github.com/dangson92/licensegate/internal/app/maintenance"
	iauth "github.com/dangson92/licensegate/internal/auth"
	"github.com/dangson92/licensegate/internal/database"
	"github.com/dangson92/licensegate/internal/licensing"
	"github.com/dangson92/licensegate/internal/realtime"
	"github.com/dangson92/licensegate/internal/services"
	"github.com/dangson92/licensegate/internal/token"
	"github.com/dangson92/licensegate/pkg/logger"
	"github.com/dangson92/licensegate/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Tokens  *token.Service
	Hub     *realtime.Hub
	Scanner *maintenance.Scanner
	Router  *gin.Engine
}

// bootstrapRuntime initialises the database, signing services and the HTTP
// router. The token service is built first: a server without its signing key
// must fail before it touches anything else.
func bootstrapRuntime(cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.Tokens, err = token.NewService(cfg.Signing.TokenServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise token service: %w", err)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	if err := database.EnsureRootAdmin(stack.DB, cfg.Auth.RootAdmin.Email, "Administrator", cfg.Auth.RootAdmin.Password); err != nil {
		return nil, fmt.Errorf("seed root admin: %w", err)
	}

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	hasher, err := licensing.NewHasher(cfg.Security.FingerprintSalt)
	if err != nil {
		return nil, fmt.Errorf("initialise fingerprint hasher: %w", err)
	}

	stack.Hub = realtime.NewHub()

	if cfg.Scheduler.Enabled {
		var notificationSvc *services.NotificationService
		if cfg.Features.Notifications.Enabled {
			notificationSvc, err = services.NewNotificationService(stack.DB, stack.Hub)
			if err != nil {
				return nil, fmt.Errorf("initialise notification service: %w", err)
			}
		}

		opts := []maintenance.Option{
			maintenance.WithSchedule(cfg.Scheduler.Schedule),
			maintenance.WithWarningWindow(cfg.Scheduler.WarningWindow),
		}
		if cfg.Email.SMTP.Enabled {
			mailer, mailErr := mail.NewSMTPMailer(cfg.Email.SMTPSettings())
			if mailErr != nil {
				return nil, fmt.Errorf("initialise mailer: %w", mailErr)
			}
			opts = append(opts, maintenance.WithMailer(mailer))
		}

		stack.Scanner = maintenance.NewScanner(stack.DB, notificationSvc, stack.Hub, opts...)
		if err := stack.Scanner.Start(); err != nil {
			return nil, fmt.Errorf("start license scanner: %w", err)
		}
	}

	stack.Router, err = api.NewRouter(stack.DB, stack.Tokens, jwtSvc, hasher, stack.Hub, stack.Scanner, cfg)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Scanner != nil {
		stopCtx := s.Scanner.Stop()
		<-stopCtx.Done()
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := cfg.Database.DatabaseSettings()
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
