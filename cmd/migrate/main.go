package main

import (
	"GridSettle/internal/persistence"
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 || os.Args[1] != "up" {
		fmt.Println("Usage: migrate up")
		fmt.Println("  up - apply all pending migrations")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  GRID_POSTGRES_DSN - Postgres connection string")
		os.Exit(1)
	}

	godotenv.Load()

	pgURL := os.Getenv("GRID_POSTGRES_DSN")
	if pgURL == "" {
		pgURL = "postgres://localhost:5432/gridsettle?sslmode=disable"
	}

	db, err := sql.Open("postgres", pgURL)
	if err != nil {
		log.Fatalf("FATAL: open db: %v", err)
	}
	defer db.Close()

	if err := persistence.NewMigrator(db).Up(context.Background()); err != nil {
		log.Fatalf("FATAL: migrate up: %v", err)
	}
	log.Println("INFO: all migrations applied")
}
