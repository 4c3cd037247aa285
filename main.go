package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"

	"helpdesk/config"
	"helpdesk/middleware"
	"helpdesk/realtime"
	"helpdesk/routes"
	"helpdesk/services"
	"helpdesk/utils"
	"helpdesk/worker"
)

func main() {
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	utils.InitLogger(config.AppConfig.LogLevel, config.AppConfig.LogFormat)
	if err := utils.InitSentry(config.AppConfig.SentryDSN, config.AppConfig.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	defer sentry.Flush(2 * time.Second)

	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := realtime.NewHub(utils.Logger("realtime"))
	mailer := utils.NewSMTPMailer(config.AppConfig.SMTP, config.AppConfig.AppURL)
	limiterStorage := middleware.NewRateLimitStorage(config.AppConfig.Redis)

	app := routes.NewApp(config.AppConfig.CORSOrigins)
	routes.SetupRoutes(app, routes.Dependencies{
		DB:             config.DB,
		Hub:            hub,
		Notifier:       mailer,
		LoginLimit:     config.AppConfig.RateLimitLogin,
		LimiterStorage: limiterStorage,
		RequestLog:     config.AppConfig.Environment != "production",
	})

	convs := services.NewConversationService(config.DB, hub, utils.Logger("conversations"))
	sendWorker := worker.NewSendWorker(convs, mailer, config.AppConfig.SendInterval, utils.Logger("send_worker"))
	go sendWorker.Start(ctx)

	fetchWorker := worker.NewFetchWorker(config.DB, convs, worker.NewIMAPSource(utils.Logger("imap")),
		config.AppConfig.FetchInterval, config.AppConfig.FetchConcurrency, utils.Logger("fetch_worker"))
	go fetchWorker.Start(ctx)

	go func() {
		<-ctx.Done()
		logrus.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(shutdownCtx); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
		if limiterStorage != nil {
			limiterStorage.Close()
		}
	}()

	logrus.WithField("port", config.AppConfig.ServerPort).Info("Server starting")
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}
