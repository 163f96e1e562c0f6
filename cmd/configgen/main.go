package main

import (
	"os"

	"github.com/membraneframework/membrane-element-rtp/internal/config"
	"github.com/membraneframework/membrane-element-rtp/internal/logging"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

const defaultPath = "cmd/handshaker/config.toml"

func main() {
	logging.ConfigureRuntime()

	output := pflag.String("output", defaultPath, "output path for config template")
	validate := pflag.Bool("validate", false, "validate an existing config file")
	input := pflag.String("input", "", "config path for validation (defaults to $"+config.EnvConfigPath+" or --output)")
	force := pflag.Bool("force", false, "overwrite existing config file")
	pflag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = os.Getenv(config.EnvConfigPath)
		}
		if path == "" {
			path = *output
		}
		cfg, err := config.Load(path)
		if err != nil {
			log.Fatal().Err(err).Str("path", path).Msg("configgen validate")
		}
		log.Info().Str("path", path).Str("listen_addr", cfg.ListenAddr).Strs("profiles", cfg.Engine.Profiles).Msg("validated handshaker config")
		return
	}

	if err := config.WriteTemplate(*output, *force); err != nil {
		log.Fatal().Err(err).Msg("configgen write")
	}
	log.Info().Str("path", *output).Msg("wrote handshaker config template")
}
