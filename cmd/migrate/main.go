package main

import (
	"context"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	flag "github.com/spf13/pflag"

	"github.com/42yash/pyk8s-labs/internal/app/migrate"
	"github.com/42yash/pyk8s-labs/pkg/config"
	"github.com/42yash/pyk8s-labs/pkg/logger"
)

func main() {
	command := flag.StringP("command", "c", "up", "migrate command (up|status|down)")
	timeout := flag.Duration("timeout", time.Minute, "command timeout")
	target := flag.Int64("target", 0, "target version for down command (optional)")
	dsn := flag.String("database-url", config.GetString("DATABASE_URL", ""), "postgres connection string")
	dir := flag.String("dir", config.GetString("DB_MIGRATIONS_DIR", ""), "migrations directory (embedded migrations when empty)")
	flag.Parse()

	log := logger.New("migrate", logger.ParseLevel(config.GetString("LOG_LEVEL", "info")))
	if *dsn == "" {
		log.Error("database url is required", "flag", "--database-url", "env", "DATABASE_URL")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgxpool.New(ctx, *dsn)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, *dir, log)
	if err != nil {
		pool.Close()
		log.Error("failed to configure migration runner", "error", err)
		os.Exit(1)
	}
	defer runner.Close()

	switch *command {
	case "up":
		err = runner.Ensure(ctx)
	case "status":
		_, err = runner.Status(ctx)
	case "down":
		err = runner.Down(ctx, *target)
	default:
		log.Error("unsupported command", "command", *command)
		runner.Close()
		os.Exit(2)
	}
	if err != nil {
		log.Error("migration command failed", "command", *command, "error", err)
		runner.Close()
		os.Exit(1)
	}

	log.Info("migration command completed", "command", *command)
}
