package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/gmsas95/medx/internal/api"
	"github.com/gmsas95/medx/internal/app"
	"github.com/gmsas95/medx/internal/cli"
	"github.com/gmsas95/medx/internal/config"
	"github.com/gmsas95/medx/internal/notify"
	"github.com/gmsas95/medx/internal/onboarding"
	"github.com/gmsas95/medx/internal/store"
)

var (
	configPath = flag.String("config", "", "Path to config file")
	dataDir    = flag.String("data", "", "Path to data directory")
	version    = "dev"
)

func main() {
	flag.Usage = printHelp
	flag.Parse()
	args := flag.Args()

	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "init":
		runOnboarding()
	case "serve":
		if *configPath == "" && onboarding.CheckFirstRun(resolveDataDir()) && term.IsTerminal(int(os.Stdin.Fd())) {
			fmt.Println("No configuration found. Running first-time setup.")
			fmt.Println()
			runOnboarding()
		}
		application := initApp()
		defer application.Store.Close()
		application.RunServer()
	case "check":
		requireArgs(args, 1, "check <user>")
		runCheck(args[0])
	case "today":
		requireArgs(args, 1, "today <user>")
		runToday(args[0])
	case "import":
		requireArgs(args, 2, "import <user> <file.yaml>")
		runImport(args[0], args[1])
	case "vapid":
		runVAPID()
	case "doctor":
		runDoctor()
	case "version", "--version", "-v":
		fmt.Printf("medx version %s\n", version)
	case "help", "--help", "-h":
		printHelp()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		printHelp()
		os.Exit(2)
	}
}

func printHelp() {
	fmt.Println(`medx - medication reminders and notification dispatch

Usage:
  medx [flags] [command]

Commands:
  init                       Write medx.yaml and .env interactively
  serve                      Run the HTTP API, schedulers and housekeeping (default)
  check <user>               Run one reminder pass for a user now
  today <user>               Show today's doses for a user
  import <user> <file.yaml>  Import medications from YAML
  vapid                      Generate a VAPID key pair for native push
  doctor                     Check configuration, storage and schedules
  version                    Print the version

Flags:
  -config string   Path to config file
  -data string     Path to data directory`)
}

func requireArgs(args []string, n int, usage string) {
	if len(args) < n {
		fmt.Fprintf(os.Stderr, "usage: medx %s\n", usage)
		os.Exit(2)
	}
}

func initApp() *app.App {
	if err := config.LoadEnvFiles(resolveDataDir()); err != nil {
		log.Printf("Failed to load .env: %v", err)
	}

	cfg, err := config.Load(*configPath, *dataDir)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	logger.Info("Starting medx", zap.String("version", version))

	st, err := store.New(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize store", zap.Error(err))
	}

	api.Version = version
	application, err := app.New(cfg, st, logger, version)
	if err != nil {
		st.Close()
		logger.Fatal("Failed to initialize app", zap.Error(err))
	}
	return application
}

func resolveDataDir() string {
	if *dataDir != "" {
		return *dataDir
	}
	return config.DefaultDataDir()
}

func runOnboarding() {
	logger, _ := zap.NewDevelopment()
	defer logger.Sync()

	wizard := onboarding.NewWizard(os.Stdin, os.Stdout, resolveDataDir(), logger)
	if _, err := wizard.Run(); err != nil {
		fmt.Printf("\nSetup failed: %v\n", err)
		os.Exit(1)
	}
}

func runCheck(userID string) {
	application := initApp()
	defer application.Store.Close()
	defer application.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sum, err := application.CheckNow(ctx, userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "check failed: %v\n", err)
		os.Exit(1)
	}
	cli.PrintSummary(os.Stdout, sum)
}

func runToday(userID string) {
	application := initApp()
	defer application.Store.Close()
	defer application.Close()

	doses, err := application.Today(context.Background(), userID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "today failed: %v\n", err)
		os.Exit(1)
	}
	cli.PrintToday(os.Stdout, doses, colorOutput())
}

func runDoctor() {
	if err := config.LoadEnvFiles(resolveDataDir()); err != nil {
		fmt.Printf("Failed to load .env: %v\n", err)
	}
	cfg, err := config.Load(*configPath, *dataDir)
	checks := cli.Doctor(context.Background(), cfg, err, store.New)
	cli.PrintChecks(os.Stdout, checks, colorOutput())
	if _, failures := cli.Issues(checks); failures > 0 {
		os.Exit(1)
	}
}

func colorOutput() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

func runImport(userID, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "read %s: %v\n", path, err)
		os.Exit(1)
	}
	records, err := app.ParseImport(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
		os.Exit(1)
	}

	application := initApp()
	defer application.Store.Close()
	defer application.Close()

	imported, rejected, err := application.ImportMedications(context.Background(), userID, records)
	for _, r := range rejected {
		fmt.Printf("skipped %q: %v\n", r.Record.Name, r.Err)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "import failed after %d medications: %v\n", imported, err)
		os.Exit(1)
	}
	fmt.Printf("imported %d medications for %s\n", imported, userID)
}

func runVAPID() {
	pub, priv, err := notify.GenerateVAPIDKeys()
	if err != nil {
		fmt.Fprintf(os.Stderr, "generate keys: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("MEDX_NOTIFICATIONS_NATIVE_VAPID_PUBLIC_KEY=%s\n", pub)
	fmt.Printf("MEDX_NOTIFICATIONS_NATIVE_VAPID_PRIVATE_KEY=%s\n", priv)
}
