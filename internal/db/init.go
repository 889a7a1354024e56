package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"crucible/internal/constants"
	"crucible/internal/lock"
)

const (
	baseDir = "./migrations"
	schema  = "crs"
)

// Init creates the crs schema and applies the SQL scripts under ./migrations
// in file-name order. The migration lock keeps concurrent instances from
// racing each other; every script must therefore be idempotent.
func Init(db *sql.DB, distributedLock lock.DistributedLockManager, log *zap.Logger) error {
	if err := distributedLock.Acquire(constants.MigrationLock); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer distributedLock.Release(constants.MigrationLock)

	if err := db.Ping(); err != nil {
		return fmt.Errorf("ping task store: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", schema)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	scripts, err := readSQLScripts()
	if err != nil {
		return err
	}
	for _, script := range scripts {
		log.Info("applying migration", zap.String("file", script.name))
		if _, err := db.Exec(script.content); err != nil {
			return fmt.Errorf("migration %s: %w", script.name, err)
		}
	}
	return nil
}

type migrationScript struct {
	name    string
	content string
}

func readSQLScripts() ([]migrationScript, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var scripts []migrationScript
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := os.ReadFile(filepath.Join(baseDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		scripts = append(scripts, migrationScript{name: entry.Name(), content: string(content)})
	}

	sort.Slice(scripts, func(i, j int) bool { return scripts[i].name < scripts[j].name })
	return scripts, nil
}
