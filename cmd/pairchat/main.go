// ABOUTME: Entry point for the pairchat delivery server
// ABOUTME: Subcommands serve, init, token, health and version

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/2389/pairchat/internal/auth"
	"github.com/2389/pairchat/internal/config"
	"github.com/2389/pairchat/internal/server"
)

// Version is set at build time.
var version = "dev"

const banner = `
             _           _           _
 _ __   __ _(_)_ __ ___| |__   __ _| |_
| '_ \ / _' | | '__/ __| '_ \ / _' | __|
| |_) | (_| | | | | (__| | | | (_| | |_
| .__/ \__,_|_|_|  \___|_| |_|\__,_|\__|
|_|
`

func usage() {
	fmt.Println("Usage: pairchat [--config PATH] <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve             Start the server (default)")
	fmt.Println("  init              Write a starter config file")
	fmt.Println("  token <user-id>   Mint a development JWT for a user")
	fmt.Println("  health            Check a running server")
	fmt.Println("  version           Print the version")
}

func main() {
	// a missing .env is normal outside development
	_ = godotenv.Load()

	fs := flag.NewFlagSet("pairchat", flag.ExitOnError)
	configPath := fs.String("config", config.DefaultPath(), "path to the config file")
	fs.Usage = usage
	_ = fs.Parse(os.Args[1:])

	cmd := "serve"
	args := fs.Args()
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx, *configPath)
	case "init":
		err = runInit(*configPath)
	case "token":
		err = runToken(*configPath, args)
	case "health":
		err = runHealth(ctx, *configPath)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context, configPath string) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging, os.Stdout)
	slog.SetDefault(logger)
	if parseLevel(cfg.Logging.Level) > slog.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)
	line := func(label, value string) {
		green.Print("    ▶ ")
		fmt.Printf("%-10s %s\n", label+":", value)
	}
	line("Config", configPath)
	line("HTTP", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		line("gRPC", cfg.Server.GRPCAddr)
	}
	line("Database", cfg.Database.Path)
	if cfg.Push.AMQPURL != "" {
		line("Push", cfg.Push.Exchange)
	} else {
		green.Print("    ▶ ")
		fmt.Printf("%-10s ", "Push:")
		yellow.Println("log only")
	}
	if cfg.Redis.URL != "" {
		line("Cache", "redis")
	}
	fmt.Println()

	srv, err := server.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	return srv.Run(ctx)
}

func runInit(configPath string) error {
	if err := config.WriteTemplate(configPath); err != nil {
		return err
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("wrote %s\n", configPath)
	fmt.Println("  set PAIRCHAT_JWT_SECRET (32+ characters) before running serve")
	return nil
}

func runToken(configPath string, args []string) error {
	if len(args) != 1 || args[0] == "" {
		return errors.New("usage: pairchat token <user-id>")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(args[0], cfg.Auth.TokenTTL)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}

func runHealth(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	url := fmt.Sprintf("http://%s/health", cfg.Server.HTTPAddr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}
