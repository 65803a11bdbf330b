package main

import (
	"fmt"
	"io"
	"os"
)

// Version is stamped by the build; "dev" otherwise.
var Version = "dev"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can stub the long-running path.
var startServer = runServe

// Run dispatches the subcommand. No args means serve.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "pair":
		return runPair(args[2:], stdout, stderr)
	case "keygen":
		return runKeygen(args[2:], stdout, stderr)
	case "doctor":
		return runDoctor(args[2:], stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "version", "--version", "-v":
		fmt.Fprintf(stdout, "porter %s\n", Version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stdout, stderr)
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

const (
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[37m"
)

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sPorter %s%s\n", colorBold+colorCyan, Version, colorReset)
	fmt.Fprintf(w, "%sYour keys stay home. Apps knock first.%s\n", colorGray, colorReset)
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "%sUSAGE:%s\n", colorBold, colorReset)
	fmt.Fprintln(w, "  porter <command> [flags]")
	fmt.Fprintln(w, "")
	printSection(w, "GATEWAY")
	printCommand(w, "serve", "Run the gateway and operator servers (default)")
	printCommand(w, "pair", "Mint a one-time pairing string for an app install")
	printCommand(w, "doctor", "Check configuration and backing services")
	printCommand(w, "health", "Probe a running gateway over HTTP")
	printSection(w, "UTILITIES")
	printCommand(w, "keygen", "Generate an Ed25519 keypair for an app developer")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
	fmt.Fprintln(w, "")
}

func printSection(w io.Writer, title string) {
	fmt.Fprintf(w, "%s%s:%s\n", colorBold+colorCyan, title, colorReset)
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %s%-10s%s %s\n", colorGreen, name, colorReset, desc)
}
