package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/erlnode/internal/config"
	"github.com/danmuck/erlnode/internal/logging"
	"github.com/danmuck/erlnode/internal/node"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	path := flag.String("config", "", "path to a TOML config file")
	flag.Parse()

	logging.ConfigureRuntime()
	cfg, err := config.Load(*path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "erlnode: %v\n", err)
		os.Exit(1)
	}
	if lvl, ok := logging.ParseLevel(cfg.LogLevel); ok {
		logging.SetLevel(lvl)
	}
	if cfg.Debug {
		logging.SetLevel(zerolog.TraceLevel)
	}
	cfg.Service.Trace = zerolog.GlobalLevel() <= zerolog.TraceLevel

	svc := node.NewServiceWithConfig(cfg.Service, node.LogHandler())
	log.Info().Str("node", svc.Name()).Bool("hidden", cfg.Service.Identity.Hidden).Msg("erlnode: starting")
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "erlnode: %v\n", err)
		os.Exit(1)
	}
}
