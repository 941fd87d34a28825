// Command zkmux-bench is a small manual-smoke-test harness for zkmux: it
// dials a server, creates a node, reads it back, installs a watch, and
// prints whatever fires. It is not part of the core engine (SPEC_FULL.md
// §2) — grounded on OneMount's cmd/onemount/main.go flag-parsing and
// logging-setup style (DESIGN.md).
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	flag "github.com/spf13/pflag"

	"github.com/zkmux/zkmux"
)

func usage() {
	fmt.Fprintf(os.Stderr, `zkmux-bench - exercise a zkmux connection against a live ensemble.

Usage: zkmux-bench [options] <path>

Valid options:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.StringP("config-file", "f", "", "A YAML-formatted zkmux config file.")
	logLevel := flag.StringP("log", "l", "", "Log level: trace, debug, info, warn, error.")
	create := flag.BoolP("create", "c", false, "Create <path> with the given --data before reading.")
	data := flag.StringP("data", "d", "", "Data to create <path> with, when --create is set.")
	watch := flag.BoolP("watch", "w", false, "Install a data watch on <path> and wait for one event.")
	help := flag.BoolP("help", "h", false, "Display this help message.")
	flag.Usage = usage
	flag.Parse()

	if *help || flag.NArg() != 1 {
		flag.Usage()
		if *help {
			os.Exit(0)
		}
		os.Exit(2)
	}
	path := flag.Arg(0)

	cfg, err := zkmux.LoadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("zkmux-bench: loading config")
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	servers, err := cfg.ServerAddrs()
	if err != nil {
		log.Fatal().Err(err).Msg("zkmux-bench: parsing servers")
	}

	client, err := zkmux.Dial(servers, cfg.EngineOptions())
	if err != nil {
		log.Fatal().Err(err).Msg("zkmux-bench: dial")
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if *create {
		res, err := client.Create(ctx, path, []byte(*data), zkmux.FlagNone, zkmux.WorldACL(zkmux.PermAll))
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("zkmux-bench: create")
		}
		log.Info().Str("path", res.Path).Msg("zkmux-bench: created")
	}

	if *watch {
		events := make(chan zkmux.WatchEvent, 1)
		res, err := client.GetW(ctx, path, events, nil)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("zkmux-bench: getw")
		}
		log.Info().Bytes("data", res.Data).Int32("version", res.Stat.Version).Msg("zkmux-bench: current value")

		select {
		case ev := <-events:
			log.Info().Str("path", ev.Path).Str("kind", ev.Kind.String()).Bool("lost", ev.Lost).
				Msg("zkmux-bench: watch fired")
		case <-ctx.Done():
			log.Warn().Msg("zkmux-bench: timed out waiting for watch")
		}
		return
	}

	res, err := client.Get(ctx, path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("zkmux-bench: get")
	}
	log.Info().Bytes("data", res.Data).Int32("version", res.Stat.Version).Msg("zkmux-bench: current value")
}
