package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunDispatch(t *testing.T) {
	orig := startServer
	defer func() { startServer = orig }()

	calls := 0
	startServer = func(stdout, stderr io.Writer) int {
		calls++
		return 0
	}

	cases := []struct {
		name      string
		args      []string
		wantExit  int
		wantServe int
	}{
		{"bare", []string{"porter"}, 0, 1},
		{"serve", []string{"porter", "serve"}, 0, 1},
		{"server alias", []string{"porter", "server"}, 0, 1},
		{"leading dash falls through to serve", []string{"porter", "-whatever"}, 0, 1},
		{"version", []string{"porter", "version"}, 0, 0},
		{"help", []string{"porter", "help"}, 0, 0},
		{"unknown", []string{"porter", "bogus"}, 2, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls = 0
			var stdout, stderr bytes.Buffer
			got := Run(tc.args, &stdout, &stderr)
			if got != tc.wantExit {
				t.Fatalf("exit = %d, want %d (stderr: %s)", got, tc.wantExit, stderr.String())
			}
			if calls != tc.wantServe {
				t.Fatalf("serve calls = %d, want %d", calls, tc.wantServe)
			}
		})
	}
}

func TestRunVersionOutput(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if got := Run([]string{"porter", "version"}, &stdout, &stderr); got != 0 {
		t.Fatalf("exit = %d", got)
	}
	if !strings.Contains(stdout.String(), "porter "+Version) {
		t.Fatalf("version output = %q", stdout.String())
	}
}

func TestRunUnknownPrintsUsage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if got := Run([]string{"porter", "bogus"}, &stdout, &stderr); got != 2 {
		t.Fatalf("exit = %d, want 2", got)
	}
	if !strings.Contains(stderr.String(), "Unknown command: bogus") {
		t.Fatalf("stderr = %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "USAGE") {
		t.Fatalf("usage missing from stderr: %q", stderr.String())
	}
}

func TestKeygenJSON(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if got := runKeygen([]string{"--json"}, &stdout, &stderr); got != 0 {
		t.Fatalf("exit = %d (stderr: %s)", got, stderr.String())
	}

	var out struct {
		Algorithm  string `json:"algorithm"`
		PublicKey  string `json:"publicKey"`
		PrivateKey string `json:"privateKey"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Algorithm != "Ed25519" {
		t.Fatalf("algorithm = %q", out.Algorithm)
	}
	pub, err := base64.StdEncoding.DecodeString(out.PublicKey)
	if err != nil || len(pub) != 32 {
		t.Fatalf("public key: %v (len %d)", err, len(pub))
	}
	priv, err := base64.StdEncoding.DecodeString(out.PrivateKey)
	if err != nil || len(priv) != 64 {
		t.Fatalf("private key: %v (len %d)", err, len(priv))
	}
}

func TestKeygenText(t *testing.T) {
	var stdout, stderr bytes.Buffer
	if got := runKeygen(nil, &stdout, &stderr); got != 0 {
		t.Fatalf("exit = %d", got)
	}
	if !strings.Contains(stdout.String(), "Public key") || !strings.Contains(stdout.String(), "Private key") {
		t.Fatalf("output = %q", stdout.String())
	}
}

func TestDoctorJSON(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORTER_CONFIG", "")
	t.Setenv("MASTER_SECRET", "a-long-enough-master-secret")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "porter.db"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ARCHIVE_BACKEND", "")
	t.Setenv("ARCHIVE_DIR", filepath.Join(dir, "archive"))

	var stdout, stderr bytes.Buffer
	if got := runDoctor([]string{"--json"}, &stdout, &stderr); got != 0 {
		t.Fatalf("exit = %d (out: %s)", got, stdout.String())
	}

	var results []checkResult
	if err := json.Unmarshal(stdout.Bytes(), &results); err != nil {
		t.Fatalf("decode: %v", err)
	}

	byName := map[string]checkResult{}
	for _, r := range results {
		byName[r.Name] = r
	}
	for _, name := range []string{"go_runtime", "config", "master_secret", "database", "redis", "archive", "admin_password"} {
		if _, ok := byName[name]; !ok {
			t.Fatalf("missing check %q in %s", name, stdout.String())
		}
	}
	if byName["database"].Status != "ok" {
		t.Fatalf("database = %+v", byName["database"])
	}
	if byName["admin_password"].Status != "warn" {
		t.Fatalf("admin_password = %+v", byName["admin_password"])
	}
}

func TestDoctorFailsOnShortSecret(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("PORTER_CONFIG", "")
	t.Setenv("MASTER_SECRET", "short")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("SQLITE_PATH", filepath.Join(dir, "porter.db"))
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("ARCHIVE_BACKEND", "")

	var stdout, stderr bytes.Buffer
	if got := runDoctor([]string{"--json"}, &stdout, &stderr); got != 1 {
		t.Fatalf("exit = %d, want 1 (out: %s)", got, stdout.String())
	}
}

func TestHealthAgainstLocalServer(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	_, port, ok := strings.Cut(strings.TrimPrefix(ts.URL, "http://"), ":")
	if !ok {
		t.Fatalf("no port in %s", ts.URL)
	}
	t.Setenv("PORTER_CONFIG", "")
	t.Setenv("PORT", port)

	var stdout, stderr bytes.Buffer
	if got := runHealth(&stdout, &stderr); got != 0 {
		t.Fatalf("exit = %d (stderr: %s)", got, stderr.String())
	}

	ts.Close()
	if got := runHealth(&stdout, &stderr); got != 1 {
		t.Fatalf("exit after close = %d, want 1", got)
	}
}
