package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/splax/launchpad/api/internal/app/migrate"
	"github.com/splax/launchpad/pkg/config"
	"github.com/splax/launchpad/pkg/logger"
)

func main() {
	command := flag.String("command", "up", "migrate command (up|status|down|version)")
	timeout := flag.Duration("timeout", 2*time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	flag.Parse()

	cfg := config.LoadAPIConfig()
	log := logger.New("migrate", cfg.LogLevel)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner, err := migrate.New(cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}

	switch *command {
	case "up":
		err = runner.Up(ctx)
	case "status":
		err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	case "version":
		var version int64
		version, err = runner.Version(ctx)
		if err == nil {
			log.Info("schema version", "version", version)
		}
	default:
		log.Error("unsupported command", "command", *command)
		os.Exit(1)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
