package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

// runKeygen emits an Ed25519 keypair for app developers who want to
// exercise the wire protocol from curl or a test harness. The gateway
// itself never sees the private half.
func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("keygen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "print the keypair as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		fmt.Fprintf(stderr, "porter: generate key: %v\n", err)
		return 1
	}
	pubB64 := base64.StdEncoding.EncodeToString(pub)
	privB64 := base64.StdEncoding.EncodeToString(priv)

	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]string{
			"algorithm":  "Ed25519",
			"publicKey":  pubB64,
			"privateKey": privB64,
		})
		return 0
	}

	fmt.Fprintf(stdout, "%sPublic key%s   %s\n", colorBold, colorReset, pubB64)
	fmt.Fprintf(stdout, "%sPrivate key%s  %s\n", colorBold, colorReset, privB64)
	fmt.Fprintf(stdout, "%sThe public key goes in the install claim. Keep the private key out of the gateway.%s\n",
		colorGray, colorReset)
	return 0
}
