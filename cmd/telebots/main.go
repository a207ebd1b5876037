// Command telebots runs the bot: a long-poll loop feeding feature handlers
// for home sensors, KHL games, torrents and shell commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jdelaire/telebots/internal/config"
	"github.com/jdelaire/telebots/internal/keychain"
	"github.com/jdelaire/telebots/internal/logging"
)

// Set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	var err error
	switch os.Args[1] {
	case "version":
		fmt.Printf("telebots %s\n", version)
	case "serve":
		err = runServe(os.Args[2:])
	case "token":
		err = runToken(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}
	if err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("telebots - Telegram bot for home, hockey and torrents")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  telebots serve [--config file]   Start the bot")
	fmt.Println("  telebots token set [token]       Store the bot token in the OS keychain")
	fmt.Println("  telebots version                 Show version info")
}

func runServe(args []string) error {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	configPath := fs.StringP("config", "c", "", "path to a YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configPath, keychain.Token)
	if err != nil {
		return err
	}

	logger, closer, err := logging.Setup(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("telebots starting", "version", version, "mode", cfg.Telegram.Mode, "admins", len(cfg.Telegram.Admins))
	return serve(ctx, cfg, logger)
}

func runToken(args []string) error {
	if len(args) == 0 || args[0] != "set" {
		return fmt.Errorf("usage: telebots token set [token]")
	}

	token := ""
	if len(args) > 1 {
		token = args[1]
	} else {
		fmt.Fprint(os.Stderr, "Bot token: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("read token: %w", err)
		}
		token = line
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("empty token")
	}

	if err := keychain.SetToken(token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	fmt.Println("Token stored in keychain")
	return nil
}
