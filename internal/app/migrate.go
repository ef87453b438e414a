package app

import (
	"context"
	"errors"
	"io/fs"
	"os"

	"cedear-arbitrage/internal/storage"
)

// Migrate applies pending schema migrations.
func (a *App) Migrate(ctx context.Context) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot migrate")
	}
	defer closeStore()

	return a.migrate(ctx, store)
}

// migrationSource prefers an on-disk directory and falls back to the
// migrations compiled into the binary.
func migrationSource(path string) (fs.FS, string) {
	if path != "" {
		if info, err := os.Stat(path); err == nil && info.IsDir() {
			return os.DirFS(path), "."
		}
	}
	return storage.Migrations, "migrations"
}
