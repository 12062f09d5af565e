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

	"github.com/petervdpas/sirenconsole/internal/app"
	"github.com/petervdpas/sirenconsole/internal/config"
)

const cfgName = "sirenconsole.json"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("sirenconsole v%s\n", appVersion)
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
	case "run":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: run command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: sirenconsole run <directory>")
			os.Exit(1)
		}
		runCLI(args[1])

	case "check":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "Error: check command requires directory path")
			fmt.Fprintln(os.Stderr, "Usage: sirenconsole check <directory>")
			os.Exit(1)
		}
		checkCLI(args[1])

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", command)
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func resolveDir(dirArg string) string {
	absDir, err := filepath.Abs(dirArg)
	if err != nil {
		log.Fatalf("Invalid directory: %v", err)
	}
	if stat, err := os.Stat(absDir); err != nil || !stat.IsDir() {
		log.Fatalf("Directory does not exist: %s", absDir)
	}
	return absDir
}

func runCLI(dirArg string) {
	absDir := resolveDir(dirArg)

	cfgPath := filepath.Join(absDir, cfgName)
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Printf("Wrote default config to %s", cfgPath)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("\nShutting down gracefully...")
		cancel()
	}()

	if err := app.Run(ctx, app.Options{
		Dir:     absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
	}); err != nil {
		log.Fatalf("Console control failed: %v", err)
	}
}

func checkCLI(dirArg string) {
	absDir := resolveDir(dirArg)
	cfgPath := filepath.Join(absDir, cfgName)

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cfgPath, err)
		os.Exit(1)
	}

	fmt.Printf("%s is valid\n", cfgPath)
	fmt.Printf("  http api  : %s\n", cfg.Server.HTTPAddr)
	fmt.Printf("  midi dir  : %s\n", filepath.Join(absDir, cfg.Sequencer.MidiDir))
	fmt.Printf("  tick      : %d ms\n", cfg.Sequencer.TickMs)
	for _, c := range cfg.Consoles {
		state := "enabled"
		if !c.Enabled {
			state = "disabled"
		}
		fmt.Printf("  %-4s %-15s %s:%d  outputs=%d transposition=%d  %s\n",
			c.ID, c.Name, c.Host, c.Port, c.Outputs, c.Transposition, state)
	}
}

func showUsage() {
	fmt.Println("sirenconsole - siren console control")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  sirenconsole run <directory>     Connect to the consoles and serve the API")
	fmt.Println("  sirenconsole check <directory>   Validate the directory's config")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  run <directory>")
	fmt.Println("        Run from the specified directory")
	fmt.Printf("        A default %s is created if missing\n", cfgName)
	fmt.Println()
	fmt.Println("  check <directory>")
	fmt.Printf("        Load and validate <directory>/%s without connecting\n", cfgName)
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h        Show this help message")
	fmt.Println("  -version  Show version")
}
