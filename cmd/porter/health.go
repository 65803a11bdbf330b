package main

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/Mindburn-Labs/porter/pkg/config"
)

// runHealth hits the local gateway's health endpoint. Meant for
// container health checks and quick operator sanity checks.
func runHealth(stdout, stderr io.Writer) int {
	_ = godotenv.Load()
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}

	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://localhost:%s/healthz", cfg.Port)
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(stderr, "porter: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "porter: %s returned %s\n", url, resp.Status)
		return 1
	}
	fmt.Fprintf(stdout, "%sok%s %s\n", colorGreen, colorReset, url)
	return 0
}
