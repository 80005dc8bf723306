package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BartekS5/tabsync/internal/cli"
	"github.com/BartekS5/tabsync/internal/config"
	"github.com/BartekS5/tabsync/pkg/logger"
	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	lg, err := logger.New(logger.Options{File: cfg.LogFile, Level: cfg.LogLevel})
	if err != nil {
		log.Fatalf("logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	rootCmd := cli.NewRootCmd(cfg, lg.Logger)
	err = rootCmd.ExecuteContext(ctx)
	stop()
	_ = lg.Close()
	if err != nil {
		os.Exit(1)
	}
}
