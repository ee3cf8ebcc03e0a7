package main

import (
	"flag"
	"log"

	"github.com/danmuck/erlnode/internal/config"
)

func main() {
	output := flag.String("output", "cmd/erlnode/config.toml", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing config file")
	input := flag.String("input", "cmd/erlnode/config.toml", "config path for validation")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		cfg, err := config.Load(*input)
		if err != nil {
			log.Fatal(err)
		}
		if err := cfg.Service.Identity.Validate(); err != nil {
			log.Fatal(err)
		}
		log.Printf("Validated config at %s (node %s)", *input, cfg.Service.Identity.FullName())
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal(err)
	}
	log.Printf("Wrote config template to %s", *output)
}
