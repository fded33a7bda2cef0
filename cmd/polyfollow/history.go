package main

import (
	"context"
	"fmt"

	"github.com/alejandrodnm/polyfollow/config"
	"github.com/alejandrodnm/polyfollow/internal/adapters/notify"
	"github.com/alejandrodnm/polyfollow/internal/adapters/storage"
)

func printHistory(ctx context.Context, cfg *config.Config, token string, table bool) error {
	journal, err := storage.NewSQLiteJournal(cfg.Storage.DSN)
	if err != nil {
		return fmt.Errorf("open journal %q: %w", cfg.Storage.DSN, err)
	}
	defer journal.Close()

	runs, err := journal.GetRuns(ctx, token)
	if err != nil {
		return err
	}

	console := notify.NewConsole(table)
	console.PrintRuns(runs)
	if table {
		for _, r := range runs {
			if len(r.Result.Orders) > 0 {
				console.PrintResult(r.Result)
			}
		}
	}
	return nil
}
