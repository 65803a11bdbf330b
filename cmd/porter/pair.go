package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/porter/pkg/config"
	"github.com/Mindburn-Labs/porter/pkg/pairing"
	"github.com/Mindburn-Labs/porter/pkg/repo"
)

// runPair mints a connect code against the same store the server uses,
// so the code works whether the operator pastes it before or after the
// server restarts.
func runPair(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("pair", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print the pairing as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var db *repo.DB
	if cfg.LiteMode() {
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o750); err != nil {
			fmt.Fprintf(stderr, "porter: data dir: %v\n", err)
			return 1
		}
		db, err = repo.OpenSQLite(ctx, cfg.SQLitePath)
	} else {
		db, err = repo.OpenPostgres(ctx, cfg.DatabaseURL)
	}
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}
	defer db.Close()
	if err := db.Init(ctx); err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	svc := pairing.New(repo.NewPairingRepo(db), cfg.GatewayURL, nil)
	text, code, err := svc.GeneratePairing(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{
			"pairing":   text,
			"expiresAt": code.ExpiresAt.UTC().Format(time.RFC3339),
		})
		return 0
	}

	fmt.Fprintf(stdout, "%s%s%s\n", colorBold, text, colorReset)
	fmt.Fprintf(stdout, "%sPaste this into the app. Expires %s.%s\n",
		colorGray, code.ExpiresAt.UTC().Format(time.RFC3339), colorReset)
	return 0
}
