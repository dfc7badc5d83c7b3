// main.go
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/offchat/internal/app"
	"github.com/petervdpas/offchat/internal/config"
	"github.com/petervdpas/offchat/internal/util"
)

var log = logging.Logger("offchat")

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
	headless = flag.Bool("headless", false, "Do not read console commands from stdin")
	logLevel = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

const configFile = "offchat.json"

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("Offchat v%s\n", appVersion)
		return
	}
	if *showHelp {
		showUsage()
		return
	}
	if err := logging.SetLogLevelRegex("offchat.*", *logLevel); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch args[0] {
	case "peer":
		runCLIPeer(args[1])
	case "init":
		runCLIInit(args[1])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n", args[0])
		fmt.Fprintln(os.Stderr)
		showUsage()
		os.Exit(1)
	}
}

func peerDir(arg string) string {
	if _, err := util.ValidatePeerName(filepath.Base(arg)); err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	absDir, err := filepath.Abs(arg)
	if err != nil {
		log.Fatalf("Invalid peer directory: %v", err)
	}
	return absDir
}

func runCLIInit(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, configFile)

	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cfg = app.PromptInteractive(os.Stdin, os.Stdout, absDir, cfgPath, cfg)
	if err := config.Save(cfgPath, cfg); err != nil {
		log.Fatalf("Failed to save config: %v", err)
	}
	fmt.Printf("Wrote %s\n", cfgPath)
}

func runCLIPeer(arg string) {
	absDir := peerDir(arg)
	cfgPath := filepath.Join(absDir, configFile)

	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if created {
		log.Infof("created default config %s", cfgPath)
	}

	printPeerBanner(absDir, cfgPath, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Info("Shutting down gracefully...")
		cancel()
	}()

	opt := app.Options{
		PeerDir: absDir,
		CfgPath: cfgPath,
		Cfg:     cfg,
		Out:     os.Stdout,
	}
	if !*headless {
		opt.In = os.Stdin
	}
	if err := app.Run(ctx, opt); err != nil {
		log.Fatalf("Peer failed: %v", err)
	}
}

func showUsage() {
	fmt.Println("Offchat - offline-first messaging")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  offchat peer <directory>   Run a peer")
	fmt.Println("  offchat init <directory>   Create or edit a peer's offchat.json")
	fmt.Println()
	fmt.Println("Options:")
	fmt.Println("  -h            Show this help message")
	fmt.Println("  -version      Show version information")
	fmt.Println("  -headless     Do not read console commands from stdin")
	fmt.Println("  -log-level    debug, info, warn or error")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  offchat init ./peers/alice")
	fmt.Println("  offchat peer ./peers/alice")
}

func printPeerBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                  Offchat Peer Runner                   ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Display Name:   %s\n", cfg.Identity.Username)
	if cfg.Online.ServerURL != "" {
		fmt.Printf("Chat Server:    %s\n", cfg.Online.ServerURL)
	}
	if cfg.Metrics.Addr != "" {
		fmt.Printf("Metrics:        http://%s/metrics\n", cfg.Metrics.Addr)
	}
	mode := "online"
	if cfg.Mode.StartOffline {
		mode = "offline"
	}
	fmt.Printf("Start Mode:     %s\n", mode)
	fmt.Println()
	fmt.Println("Starting peer... (type 'help' for commands, Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
