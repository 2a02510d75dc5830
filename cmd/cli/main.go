package main

import (
	"os"
	"strings"

	"github.com/nimasrn/chat-relay/internal/config"
	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/nimasrn/chat-relay/pkg/pg"
)

// main.go migrate --env=.env --dir=./migrations
func main() {
	defer logger.Sync()

	if len(os.Args) < 2 || os.Args[1] != "migrate" {
		logger.Error("usage: cli migrate [--env=path] [--dir=path]")
		os.Exit(2)
	}

	err := config.Load(flagValue("--env=", ".env"))
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	cfg := config.Get()

	pgConf := pg.Config{
		User:     cfg.PostgresWriteUser,
		Host:     cfg.PostgresWriteHost,
		Port:     cfg.PostgresWritePort,
		Password: cfg.PostgresWritePassword,
		Database: cfg.PostgresWriteDatabase,
	}
	if err = pg.Migrate(pgConf, flagValue("--dir=", cfg.PostgresMigrationsDir)); err != nil {
		logger.Error("migration: error running migrations", "error", err)
		os.Exit(1)
	}
}

// flagValue returns the value of --name=value, or fallback when the flag
// is absent. A fallback that does not exist on disk yields "".
func flagValue(prefix, fallback string) string {
	for _, v := range os.Args[1:] {
		if strings.HasPrefix(v, prefix) {
			p := strings.TrimPrefix(v, prefix)
			if _, err := os.Stat(p); err != nil {
				logger.Error("failed to open the passed path, got error " + err.Error())
				return ""
			}
			return p
		}
	}
	if _, err := os.Stat(fallback); err != nil {
		return ""
	}
	return fallback
}
