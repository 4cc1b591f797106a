package main

import (
	"flag"
	"log"

	"github.com/safar/storefront/internal/config"
	"github.com/safar/storefront/internal/database"
)

func main() {
	dir := flag.String("dir", "", "migrations directory (defaults to DATABASE_MIGRATIONS_PATH)")
	flag.Parse()

	if flag.NArg() != 1 {
		log.Fatal("Usage: migrate [-dir path] up|down")
	}

	direction := database.MigrateDirection(flag.Arg(0))
	if direction != database.MigrateUp && direction != database.MigrateDown {
		log.Fatal("Direction must be 'up' or 'down'")
	}

	cfg, err := config.LoadDatabase()
	if err != nil {
		log.Fatalf("Load config: %v", err)
	}

	path := cfg.MigrationsPath
	if *dir != "" {
		path = *dir
	}

	db, err := database.NewConnection(cfg)
	if err != nil {
		log.Fatalf("Connect to database: %v", err)
	}
	defer db.Close()

	if err := database.RunMigrations(db, path, direction); err != nil {
		log.Fatalf("Migrate %s: %v", direction, err)
	}

	log.Printf("Migrations %s completed", direction)
}
