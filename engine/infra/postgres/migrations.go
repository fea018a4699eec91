package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/inkflow/inkflow/pkg/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Advisory lock so concurrent instances never race the migration.
const migrationLockID = 7341

var (
	migrationOnce sync.Once
	migrationErr  error
)

// ResetMigrationsForTest resets the migration singleton. Test code only.
func ResetMigrationsForTest() {
	migrationOnce = sync.Once{}
	migrationErr = nil
}

// RunMigrations applies the embedded migrations, once per process and under
// a PostgreSQL advisory lock for multi-instance safety.
func RunMigrations(ctx context.Context, connString string) error {
	migrationOnce.Do(func() {
		db, err := sql.Open("pgx", connString)
		if err != nil {
			migrationErr = fmt.Errorf("opening migration connection: %w", err)
			return
		}
		defer db.Close()
		migrationErr = migrate(ctx, db)
	})
	return migrationErr
}

func migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer func() {
		if _, err := db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID); err != nil {
			logger.FromContext(ctx).Error("Failed to release migration lock", "error", err)
		}
	}()
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}
	return nil
}
