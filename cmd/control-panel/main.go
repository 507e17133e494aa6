package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/techize/batchivo-sub001/internal/controlpanel"
)

func usage() {
	fmt.Println("go run ./cmd/control-panel <command> [args...]")
	fmt.Println("  run-migrations-up --dev|--prod")
	fmt.Println("  reset-db-dev")
	fmt.Println("  seed --dev|--prod <file.yaml>")
}

type cmdHandler func([]string) error

func main() {
	if err := godotenv.Load(".env"); err != nil {
		fmt.Fprintln(os.Stderr, "no .env file found, relying on environment")
	}

	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	handlers := map[string]cmdHandler{
		"run-migrations-up": handleRunMigrationsUp,
		"reset-db-dev":      handleResetDBDev,
		"seed":              handleSeed,
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	handler, ok := handlers[cmd]
	if !ok {
		usage()
		os.Exit(2)
	}

	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "%s failed: %v\n", cmd, err)
		os.Exit(1)
	}
}

func parseEnvFlag(arg string) (bool, error) {
	switch arg {
	case "--dev", "-d":
		return false, nil
	case "--prod", "-p":
		return true, nil
	default:
		return false, fmt.Errorf("must provide argument --dev or --prod")
	}
}

func handleRunMigrationsUp(args []string) error {
	var isProd bool
	if len(args) >= 1 {
		p, err := parseEnvFlag(args[0])
		if err != nil {
			return err
		}
		isProd = p
	}
	return controlpanel.RunMigrationsUp(isProd)
}

func handleResetDBDev(args []string) error {
	return controlpanel.ResetDBDev()
}

func handleSeed(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: seed --dev|--prod <file.yaml>")
	}
	isProd, err := parseEnvFlag(args[0])
	if err != nil {
		return err
	}
	return controlpanel.Seed(isProd, args[1])
}
