package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/searchktools/sehttpd/app"
	"github.com/searchktools/sehttpd/config"
)

func main() {
	cfg, err := config.New()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}

	a, err := app.New(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("startup failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		logrus.WithError(err).Error("server stopped")
		stop()
		os.Exit(1)
	}
}
