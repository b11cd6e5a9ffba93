// storage-cli inspects and migrates a settld data directory.
//
// Subcommands:
//
//	check         non-writing format verification; exit codes map to the
//	              failure taxonomy (3 uninitialized, 4 too new, 5 invalid)
//	migrate       initialize or upgrade the data dir format
//	migrate-runs  copy FS run records into the Postgres run store
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/settld/backend/internal/config"
	"github.com/settld/backend/internal/errcode"
	"github.com/settld/backend/internal/runstore"
	"github.com/settld/backend/internal/storage"
)

var logger = log.New(os.Stderr, "storage-cli: ", 0)

func main() {
	flag.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: storage-cli <check|migrate|migrate-runs> [flags]")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()
	cfg, err := config.FromEnv("")
	if err != nil {
		logger.Fatalf("config: %v", err)
	}

	switch flag.Arg(0) {
	case "check":
		os.Exit(runCheck(cfg.DataDir))
	case "migrate":
		if err := storage.Migrate(cfg.DataDir); err != nil {
			logger.Fatalf("migrate: %v", err)
		}
		fmt.Printf("data dir %s at format version %d\n", cfg.DataDir, storage.CurrentVersion)
	case "migrate-runs":
		runMigrateRuns(cfg)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func runCheck(dataDir string) int {
	err := storage.Check(dataDir)
	if err == nil {
		fmt.Printf("data dir %s ok\n", dataDir)
		return 0
	}
	logger.Printf("check: %v", err)
	switch errcode.Code(err) {
	case errcode.DataDirUninitialized:
		return 3
	case errcode.DataDirTooNew:
		return 4
	default:
		return 5
	}
}

func runMigrateRuns(cfg *config.ServiceConfig) {
	if cfg.RunStoreDatabaseURL == "" {
		logger.Fatal("migrate-runs requires MAGIC_LINK_RUN_STORE_DATABASE_URL or DATABASE_URL")
	}
	db, err := runstore.OpenDB(cfg.RunStoreDatabaseURL)
	if err != nil {
		logger.Fatalf("open db: %v", err)
	}
	defer db.Close()

	store := runstore.New(config.RunStoreDB, cfg.DataDir, db)
	res, err := runstore.MigrateFSToDB(cfg.DataDir, store.DBPutter())
	if err != nil {
		logger.Fatalf("migrate-runs: %v", err)
	}
	fmt.Printf("tenants=%d migrated=%d skipped=%d\n", res.Tenants, res.Migrated, res.Skipped)
	if res.Skipped > 0 {
		os.Exit(1)
	}
}
