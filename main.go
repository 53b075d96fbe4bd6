// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/petervdpas/goopcall/internal/app"
)

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("goopcall v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}

	args := flag.Args()
	if len(args) == 0 {
		showUsage()
		os.Exit(1)
	}

	command := args[0]
	switch command {
	case "relay", "peer":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Error: %s command requires directory path\n", command)
			fmt.Fprintf(os.Stderr, "Usage: goopcall %s <directory>\n", command)
			os.Exit(1)
		}
		run(command, args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func run(command, dirArg string) {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully...")
	}()

	if command == "relay" {
		err = app.RunRelay(ctx, absDir)
	} else {
		err = app.RunPeer(ctx, absDir)
	}
	if err != nil {
		log.Fatalf("%s failed: %v", command, err)
	}
}

func showUsage() {
	fmt.Println("goopcall - one-to-one calls over a shared relay")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  goopcall relay <directory>   Run the relay (database + change feed)")
	fmt.Println("  goopcall peer <directory>    Run one user's call client and local viewer")
	fmt.Println()
	fmt.Println("Each directory holds a goopcall.json (created with defaults when")
	fmt.Println("missing) and an optional .env with GOOPCALL_* overrides.")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version information")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  goopcall relay ./relay")
	fmt.Println("  GOOPCALL_USER_ID=alice goopcall peer ./peers/alice")
}
