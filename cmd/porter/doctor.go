package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/porter/pkg/config"
	"github.com/Mindburn-Labs/porter/pkg/repo"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// runDoctor probes everything serve would touch and reports instead of
// starting. Warnings are survivable; failures mean serve will not come up.
func runDoctor(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("doctor", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print results as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	_ = godotenv.Load()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var results []checkResult
	results = append(results, checkResult{
		Name:   "go_runtime",
		Status: "ok",
		Detail: runtime.Version(),
	})

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return printDoctor(stdout, results, *jsonOut)
	}
	results = append(results, checkResult{Name: "config", Status: "ok"})

	results = append(results, checkMasterSecret(cfg))
	results = append(results, checkDatabase(ctx, cfg))
	results = append(results, checkRedis(ctx, cfg))
	results = append(results, checkArchive(cfg))

	if cfg.AdminPassword == "" {
		results = append(results, checkResult{
			Name:   "admin_password",
			Status: "warn",
			Detail: "unset; operator login is disabled",
		})
	} else {
		results = append(results, checkResult{Name: "admin_password", Status: "ok"})
	}

	return printDoctor(stdout, results, *jsonOut)
}

func checkMasterSecret(cfg *config.Config) checkResult {
	switch {
	case cfg.MasterSecret == "":
		return checkResult{
			Name:   "master_secret",
			Status: "warn",
			Detail: "MASTER_SECRET unset; serve will refuse to start",
		}
	case len(cfg.MasterSecret) < 16:
		return checkResult{
			Name:   "master_secret",
			Status: "fail",
			Detail: "MASTER_SECRET must be at least 16 characters",
		}
	default:
		return checkResult{Name: "master_secret", Status: "ok"}
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.LiteMode() {
		dir := filepath.Dir(cfg.SQLitePath)
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return checkResult{Name: "database", Status: "fail", Detail: fmt.Sprintf("sqlite dir: %v", err)}
		}
		return checkResult{
			Name:   "database",
			Status: "ok",
			Detail: "lite mode, sqlite at " + cfg.SQLitePath,
		}
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	db, err := repo.OpenPostgres(pingCtx, cfg.DatabaseURL)
	if err != nil {
		return checkResult{Name: "database", Status: "fail", Detail: err.Error()}
	}
	defer db.Close()
	return checkResult{Name: "database", Status: "ok", Detail: "postgres reachable"}
}

func checkRedis(ctx context.Context, cfg *config.Config) checkResult {
	if cfg.RedisAddr == "" {
		return checkResult{
			Name:   "redis",
			Status: "ok",
			Detail: "not configured; counters stay in memory",
		}
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer client.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "redis", Status: "ok", Detail: cfg.RedisAddr}
}

func checkArchive(cfg *config.Config) checkResult {
	switch cfg.Archive.Backend {
	case "", "fs":
		if cfg.Archive.Dir == "" {
			return checkResult{Name: "archive", Status: "fail", Detail: "ARCHIVE_DIR is empty"}
		}
		return checkResult{Name: "archive", Status: "ok", Detail: "fs at " + cfg.Archive.Dir}
	case "s3":
		if cfg.Archive.Bucket == "" {
			return checkResult{Name: "archive", Status: "fail", Detail: "s3 backend needs ARCHIVE_BUCKET"}
		}
		return checkResult{Name: "archive", Status: "ok", Detail: "s3 bucket " + cfg.Archive.Bucket}
	case "gcs":
		if cfg.Archive.Bucket == "" {
			return checkResult{Name: "archive", Status: "fail", Detail: "gcs backend needs ARCHIVE_BUCKET"}
		}
		return checkResult{Name: "archive", Status: "ok", Detail: "gcs bucket " + cfg.Archive.Bucket}
	default:
		return checkResult{
			Name:   "archive",
			Status: "fail",
			Detail: fmt.Sprintf("unknown backend %q", cfg.Archive.Backend),
		}
	}
}

func printDoctor(stdout io.Writer, results []checkResult, asJSON bool) int {
	failed := false
	for _, r := range results {
		if r.Status == "fail" {
			failed = true
		}
	}

	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(results)
	} else {
		fmt.Fprintf(stdout, "%sPorter doctor%s\n\n", colorBold+colorCyan, colorReset)
		for _, r := range results {
			var badge string
			switch r.Status {
			case "ok":
				badge = colorGreen + "[ ok ]" + colorReset
			case "warn":
				badge = colorYellow + "[warn]" + colorReset
			default:
				badge = colorRed + "[fail]" + colorReset
			}
			if r.Detail != "" {
				fmt.Fprintf(stdout, "%s %-16s %s%s%s\n", badge, r.Name, colorGray, r.Detail, colorReset)
			} else {
				fmt.Fprintf(stdout, "%s %s\n", badge, r.Name)
			}
		}
	}

	if failed {
		return 1
	}
	return 0
}
