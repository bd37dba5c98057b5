package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/evmts/smithers-go/store/migration"
)

func runMigrate(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "usage: smithers migrate <up|down|status|version|force> [options]")
		os.Exit(1)
	}
	sub := args[0]

	fs := flag.NewFlagSet("migrate "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	fs.Parse(args[1:])

	cfg := loadConfig(*configPath)
	if cfg.Database.Driver == "mongodb" {
		fmt.Fprintln(os.Stderr, "migrate: the mongodb store manages its own indexes; nothing to migrate")
		os.Exit(1)
	}

	migrator, err := migration.NewMigratorForDSN(cfg.Database.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create migrator: %v\n", err)
		os.Exit(1)
	}
	defer migrator.Close()

	cli := migration.NewCLI(migrator)
	ctx := context.Background()

	switch sub {
	case "up":
		err = cli.RunUp(ctx)
	case "down":
		err = cli.RunDown(ctx)
	case "status":
		err = cli.RunStatus(ctx)
	case "version":
		err = cli.RunVersion(ctx)
	case "force":
		if fs.NArg() != 1 {
			fmt.Fprintln(os.Stderr, "usage: smithers migrate force <version>")
			os.Exit(1)
		}
		var version int
		version, err = strconv.Atoi(fs.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid version %q: %v\n", fs.Arg(0), err)
			os.Exit(1)
		}
		err = cli.RunForce(ctx, version)
	default:
		fmt.Fprintf(os.Stderr, "Unknown migrate subcommand: %s\n", sub)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
}
