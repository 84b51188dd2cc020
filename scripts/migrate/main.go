// Command migrate applies the SQL migrations for the console's transition
// journal database.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	migrationsTable = "schema_migrations"
	migrationsDir   = "scripts/migrations"
)

type migration struct {
	Version  int
	Name     string
	UpPath   string
	DownPath string
}

func main() {
	databaseURL := flag.String("database-url", os.Getenv("DATABASE_URL"), "PostgreSQL connection URL")
	migrationsPath := flag.String("migrations-path", migrationsDir, "Path to migrations directory")
	flag.Parse()

	if *databaseURL == "" {
		log.Fatal("DATABASE_URL environment variable or --database-url flag is required")
	}
	if len(flag.Args()) < 1 {
		printUsage()
		os.Exit(1)
	}
	command := flag.Args()[0]

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, *databaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pool.Close()

	if err := ensureMigrationsTable(ctx, pool); err != nil {
		log.Fatalf("Failed to ensure migrations table: %v", err)
	}

	migrations, err := loadMigrations(*migrationsPath)
	if err != nil {
		log.Fatalf("Failed to load migrations: %v", err)
	}

	switch command {
	case "up":
		if err := migrateUp(ctx, pool, migrations); err != nil {
			log.Fatalf("Migration up failed: %v", err)
		}
	case "down":
		steps := 1
		if len(flag.Args()) > 1 {
			steps, err = strconv.Atoi(flag.Args()[1])
			if err != nil {
				log.Fatalf("Invalid number of steps: %v", err)
			}
		}
		if err := migrateDown(ctx, pool, migrations, steps); err != nil {
			log.Fatalf("Migration down failed: %v", err)
		}
	case "status":
		if err := showStatus(ctx, pool, migrations); err != nil {
			log.Fatalf("Failed to show status: %v", err)
		}
	case "version":
		version, err := currentVersion(ctx, pool)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		fmt.Printf("Current migration version: %d\n", version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: migrate [options] <command> [args]

Commands:
  up             Run all pending migrations
  down [n]       Rollback n migrations (default: 1)
  status         Show migration status
  version        Show current migration version

Options:
  --database-url    PostgreSQL connection URL (or set DATABASE_URL env var)
  --migrations-path Path to migrations directory (default: scripts/migrations)`)
}

func ensureMigrationsTable(ctx context.Context, pool *pgxpool.Pool) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			dirty BOOLEAN NOT NULL DEFAULT FALSE
		)
	`, migrationsTable)

	_, err := pool.Exec(ctx, query)
	return err
}

// loadMigrations reads <version>_<name>.up.sql / .down.sql pairs.
func loadMigrations(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		parts := strings.SplitN(name, "_", 2)
		if len(parts) < 2 || !strings.HasSuffix(name, ".sql") {
			continue
		}
		version, err := strconv.Atoi(parts[0])
		if err != nil {
			continue
		}

		isUp := strings.HasSuffix(name, ".up.sql")
		isDown := strings.HasSuffix(name, ".down.sql")
		if !isUp && !isDown {
			continue
		}

		if byVersion[version] == nil {
			base := strings.TrimSuffix(strings.TrimSuffix(parts[1], ".up.sql"), ".down.sql")
			byVersion[version] = &migration{Version: version, Name: base}
		}
		if isUp {
			byVersion[version].UpPath = filepath.Join(dir, name)
		} else {
			byVersion[version].DownPath = filepath.Join(dir, name)
		}
	}

	var migrations []migration
	for _, m := range byVersion {
		if m.UpPath != "" {
			migrations = append(migrations, *m)
		}
	}
	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	var version int
	query := fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE NOT dirty`, migrationsTable)
	if err := pool.QueryRow(ctx, query).Scan(&version); err != nil {
		return 0, err
	}
	return version, nil
}

func appliedVersions(ctx context.Context, pool *pgxpool.Pool) (map[int]bool, error) {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version FROM %s`, migrationsTable))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func migrateUp(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if applied[m.Version] {
			continue
		}

		fmt.Printf("Applying migration %d: %s...\n", m.Version, m.Name)

		content, err := os.ReadFile(m.UpPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d: %w", m.Version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}

		// Mark dirty first so a crash mid-migration is visible.
		markDirty := fmt.Sprintf(`INSERT INTO %s (version, dirty) VALUES ($1, TRUE)`, migrationsTable)
		if _, err := tx.Exec(ctx, markDirty, m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to mark migration %d as dirty: %w", m.Version, err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute migration %d: %w", m.Version, err)
		}
		markClean := fmt.Sprintf(`UPDATE %s SET dirty = FALSE, applied_at = NOW() WHERE version = $1`, migrationsTable)
		if _, err := tx.Exec(ctx, markClean, m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to mark migration %d as clean: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", m.Version, err)
		}

		fmt.Printf("  applied migration %d\n", m.Version)
	}

	fmt.Println("All migrations applied.")
	return nil
}

func migrateDown(ctx context.Context, pool *pgxpool.Pool, migrations []migration, steps int) error {
	applied, err := appliedVersions(ctx, pool)
	if err != nil {
		return err
	}

	reversed := make([]migration, len(migrations))
	copy(reversed, migrations)
	sort.Slice(reversed, func(i, j int) bool {
		return reversed[i].Version > reversed[j].Version
	})

	rolledBack := 0
	for _, m := range reversed {
		if !applied[m.Version] || rolledBack >= steps {
			continue
		}
		if m.DownPath == "" {
			return fmt.Errorf("migration %d has no down file", m.Version)
		}

		fmt.Printf("Rolling back migration %d: %s...\n", m.Version, m.Name)

		content, err := os.ReadFile(m.DownPath)
		if err != nil {
			return fmt.Errorf("failed to read migration %d down file: %w", m.Version, err)
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("failed to start transaction: %w", err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to execute rollback for migration %d: %w", m.Version, err)
		}
		remove := fmt.Sprintf(`DELETE FROM %s WHERE version = $1`, migrationsTable)
		if _, err := tx.Exec(ctx, remove, m.Version); err != nil {
			tx.Rollback(ctx)
			return fmt.Errorf("failed to remove migration %d record: %w", m.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("failed to commit rollback for migration %d: %w", m.Version, err)
		}

		fmt.Printf("  rolled back migration %d\n", m.Version)
		rolledBack++
	}

	if rolledBack == 0 {
		fmt.Println("No migrations to roll back.")
	}
	return nil
}

func showStatus(ctx context.Context, pool *pgxpool.Pool, migrations []migration) error {
	rows, err := pool.Query(ctx, fmt.Sprintf(`SELECT version, applied_at, dirty FROM %s ORDER BY version`, migrationsTable))
	if err != nil {
		return err
	}
	defer rows.Close()

	type appliedInfo struct {
		At    time.Time
		Dirty bool
	}
	appliedMap := make(map[int]appliedInfo)
	for rows.Next() {
		var version int
		var info appliedInfo
		if err := rows.Scan(&version, &info.At, &info.Dirty); err != nil {
			return err
		}
		appliedMap[version] = info
	}
	if err := rows.Err(); err != nil {
		return err
	}

	fmt.Printf("%-8s %-32s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, m := range migrations {
		status := "pending"
		appliedAt := ""
		if info, ok := appliedMap[m.Version]; ok {
			status = "applied"
			if info.Dirty {
				status = "dirty"
			}
			appliedAt = info.At.Format("2006-01-02 15:04:05")
		}
		fmt.Printf("%-8d %-32s %-10s %s\n", m.Version, m.Name, status, appliedAt)
	}

	version, _ := currentVersion(ctx, pool)
	fmt.Printf("\nCurrent version: %d of %d\n", version, len(migrations))
	return nil
}
