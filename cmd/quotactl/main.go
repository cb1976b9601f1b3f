// Command quotactl inspects and drives a quotagate deployment.
//
// Usage:
//
//	quotactl --catalog plans.yaml check user-123
//	quotactl --redis-addr localhost:6379 --postgres-dsn $DSN record user-123 --amount 5
//	quotactl --postgres-dsn $DSN migrate
//	quotactl serve-metrics --listen :9090
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

// CLI defines the command-line interface.
type CLI struct {
	Globals

	Check        CheckCmd        `cmd:"" help:"Evaluate the admission decision for a user without consuming anything."`
	Record       RecordCmd       `cmd:"" help:"Record allowed work: deduct credits and count the request."`
	Usage        UsageCmd        `cmd:"" help:"Show the monthly credit ledger of a user."`
	Acquire      AcquireCmd      `cmd:"" help:"Acquire an in-flight request slot."`
	Release      ReleaseCmd      `cmd:"" help:"Release an in-flight request slot."`
	Migrate      MigrateCmd      `cmd:"" help:"Apply the PostgreSQL schema."`
	ServeMetrics ServeMetricsCmd `cmd:"" name:"serve-metrics" help:"Serve Prometheus metrics and health checks."`
}

// Globals are the connection and logging flags shared by every command.
type Globals struct {
	EnvFile string `name:"env-file" help:"Dotenv file loaded before flags are resolved." default:".env" type:"path"`

	RedisAddr        string        `name:"redis-addr" env:"QUOTAGATE_REDIS_ADDR" help:"Redis address; empty uses an in-process cache."`
	RedisDB          int           `name:"redis-db" env:"QUOTAGATE_REDIS_DB" help:"Redis database number."`
	PostgresDSN      string        `name:"postgres-dsn" env:"QUOTAGATE_POSTGRES_DSN" help:"PostgreSQL connection string; empty uses an in-process store."`
	FirestoreProject string        `name:"firestore-project" env:"QUOTAGATE_FIRESTORE_PROJECT" help:"Mirror ledger writes to Firestore in this project."`
	Catalog          string        `name:"catalog" env:"QUOTAGATE_CATALOG" type:"path" help:"YAML file with plans and users."`
	KeyPrefix        string        `name:"key-prefix" env:"QUOTAGATE_KEY_PREFIX" default:"quotagate:" help:"Prefix of every cache key."`
	Timeout          time.Duration `name:"timeout" default:"2s" help:"Decision timeout."`
	LogLevel         string        `name:"log-level" default:"info" enum:"debug,info,warn,error" help:"Log level (debug, info, warn, error)."`
	LogFormat        string        `name:"log-format" default:"json" enum:"json,text" help:"Log format: json (zerolog) or text (hclog)."`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "quotactl: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if err := loadDotEnv(envFileFromArgs(args)); err != nil {
		return err
	}

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("quotactl"),
		kong.Description("Admission control and quota operator tool."),
		kong.UsageOnError(),
		kong.Writers(stdout, stderr),
		kong.BindTo(ctx, (*context.Context)(nil)),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cli.Globals, stdout, stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	return kctx.Run(a)
}

// envFileFromArgs finds --env-file before kong parses, so that the file can
// feed env-backed flags.
func envFileFromArgs(args []string) string {
	for i, arg := range args {
		switch {
		case strings.HasPrefix(arg, "--env-file="):
			return strings.TrimPrefix(arg, "--env-file=")
		case arg == "--env-file" && i+1 < len(args):
			return args[i+1]
		}
	}
	return ".env"
}

// loadDotEnv loads path if it exists. Variables already set are kept.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}
