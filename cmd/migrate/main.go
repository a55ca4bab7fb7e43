package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/phi-mailer/internal/config"
)

const ledgerDDL = `CREATE TABLE IF NOT EXISTS schema_migrations (
	name       TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	cfg, err := config.LoadFromEnv("config/config.yaml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL is required")
	}

	dir := "migrations"
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			dir = a
		}
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}
	log.Println("Connected to database")

	ctx := context.Background()
	if listOnly {
		names, err := applied(ctx, db)
		if err != nil {
			log.Fatal(err)
		}
		for _, n := range names {
			fmt.Println(" ", n)
		}
		fmt.Printf("Total: %d applied\n", len(names))
		return
	}

	files, err := pending(dir)
	if err != nil {
		log.Fatal(err)
	}
	n, err := migrate(ctx, db, files)
	log.Printf("Done: %d applied", n)
	if err != nil {
		log.Fatalf("Migration failed: %v", err)
	}
}

// sqlFile is one migration read from disk.
type sqlFile struct {
	Name string
	SQL  string
}

// pending reads the .sql files of dir in name order, skipping empty ones.
func pending(dir string) ([]sqlFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir %s: %w", dir, err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var files []sqlFile
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", name, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}
		files = append(files, sqlFile{Name: name, SQL: string(data)})
	}
	return files, nil
}

func applied(ctx context.Context, db *sql.DB) ([]string, error) {
	if _, err := db.ExecContext(ctx, ledgerDDL); err != nil {
		return nil, fmt.Errorf("create ledger: %w", err)
	}
	rows, err := db.QueryContext(ctx, `SELECT name FROM schema_migrations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list applied: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, err
		}
		names = append(names, n)
	}
	return names, rows.Err()
}

// migrate applies every file not yet in the ledger, each in its own
// transaction, and stops at the first failure.
func migrate(ctx context.Context, db *sql.DB, files []sqlFile) (int, error) {
	done, err := applied(ctx, db)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(done))
	for _, n := range done {
		seen[n] = true
	}

	count := 0
	for _, f := range files {
		if seen[f.Name] {
			continue
		}
		log.Printf("  applying %s", f.Name)
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return count, fmt.Errorf("begin %s: %w", f.Name, err)
		}
		if _, err := tx.ExecContext(ctx, f.SQL); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("apply %s: %w", f.Name, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (name) VALUES ($1)`, f.Name); err != nil {
			tx.Rollback()
			return count, fmt.Errorf("record %s: %w", f.Name, err)
		}
		if err := tx.Commit(); err != nil {
			return count, fmt.Errorf("commit %s: %w", f.Name, err)
		}
		count++
	}
	return count, nil
}
