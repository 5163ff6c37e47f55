package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/config"
	"github.com/UCLA-Trustworthy-AI-Lab/Avatar-EDU/internal/migration"
)

// =============================================================================
// 🗄️ 数据库迁移命令
// =============================================================================

// migrateOptions migrate 子命令的公共参数
type migrateOptions struct {
	configPath string
	dbType     string
	dbURL      string
	positional []string
}

// parseMigrateArgs 解析 "<version> --flag ..." 与 "--flag ... <version>" 两种写法
func parseMigrateArgs(sub string, args []string) (*migrateOptions, error) {
	opts := &migrateOptions{}
	for len(args) > 0 && isPositional(args[0]) {
		opts.positional = append(opts.positional, args[0])
		args = args[1:]
	}

	fs := flag.NewFlagSet("migrate "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&opts.configPath, "config", "", "Path to config file")
	fs.StringVar(&opts.dbType, "db-type", "", "Database type (postgres, mysql, sqlite)")
	fs.StringVar(&opts.dbURL, "db-url", "", "Database connection URL")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	opts.positional = append(opts.positional, fs.Args()...)
	return opts, nil
}

// isPositional 负数 (steps -1) 也是位置参数
func isPositional(arg string) bool {
	if !strings.HasPrefix(arg, "-") {
		return true
	}
	_, err := strconv.Atoi(arg)
	return err == nil
}

// newMigrator 优先使用 --db-type/--db-url, 否则从配置文件读取数据库段
func newMigrator(opts *migrateOptions, logger *zap.Logger) (*migration.DefaultMigrator, error) {
	if opts.dbType != "" && opts.dbURL != "" {
		return migration.NewMigratorFromURL(opts.dbType, opts.dbURL, logger)
	}

	loader := config.NewLoader()
	if opts.configPath != "" {
		loader = loader.WithConfigPath(opts.configPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if opts.dbType != "" {
		cfg.Database.Driver = opts.dbType
	}
	return migration.NewMigratorFromDatabaseConfig(cfg.Database, logger)
}

// runMigrate 处理 migrate 命令
func runMigrate(args []string) {
	if len(args) < 1 {
		printMigrateUsage(os.Stderr)
		os.Exit(1)
	}
	sub := args[0]
	if sub == "help" || sub == "-h" || sub == "--help" {
		printMigrateUsage(os.Stdout)
		return
	}

	opts, err := parseMigrateArgs(sub, args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid arguments: %v\n", err)
		printMigrateUsage(os.Stderr)
		os.Exit(1)
	}

	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	m, err := newMigrator(opts, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	runErr := migration.NewCLI(m).Run(ctx, sub, opts.positional)
	stop()
	if cerr := m.Close(); cerr != nil {
		runErr = errors.Join(runErr, cerr)
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "migrate %s failed: %v\n", sub, runErr)
		os.Exit(1)
	}
}

func printMigrateUsage(w io.Writer) {
	fmt.Fprintln(w, `Database Migration Commands

Usage:
  avataredu migrate <subcommand> [args] [options]

Subcommands:
  up              Apply all pending migrations
  down            Roll back the last migration
  reset           Roll back all migrations
  steps <n>       Apply (n > 0) or roll back (n < 0) n migrations
  goto <version>  Migrate to a specific version
  force <version> Force set migration version (use with caution)
  version         Show current migration version
  status          Show status of every migration
  info            Show database type, version and pending count
  help            Show this help message

Options:
  --config <path>     Path to configuration file (YAML)
  --db-type <type>    Database type: postgres, mysql, sqlite (default: from config)
  --db-url <url>      Database connection URL (default: from config)

Examples:
  avataredu migrate up --config /etc/avataredu/config.yaml
  avataredu migrate status
  avataredu migrate goto 1
  avataredu migrate up --db-type sqlite --db-url sqlite://avataredu.db`)
}
