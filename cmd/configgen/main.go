package main

import (
	"flag"
	"os"

	"github.com/danmuck/xtst/internal/config"
	"github.com/danmuck/xtst/internal/logging"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()

	kind := flag.String("kind", config.KindServer, "template kind: server|descriptor")
	output := flag.String("output", "", "output path for the template")
	validate := flag.Bool("validate", false, "validate an existing file")
	input := flag.String("input", "", "file to validate (defaults to the per-kind path)")
	force := flag.Bool("force", false, "overwrite an existing file")
	flag.Parse()

	if *validate {
		path := *input
		if path == "" {
			path = defaultPath(*kind)
		}
		if err := config.CheckFile(path, *kind); err != nil {
			log.Error().Err(err).Str("kind", *kind).Str("path", path).Msg("invalid")
			os.Exit(1)
		}
		log.Info().Str("kind", *kind).Str("path", path).Msg("validated")
		return
	}

	target := *output
	if target == "" {
		target = defaultPath(*kind)
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		log.Error().Err(err).Msg("write template")
		os.Exit(1)
	}
	log.Info().Str("kind", *kind).Str("path", target).Msg("wrote template")
}

func defaultPath(kind string) string {
	if kind == config.KindDescriptor {
		return "xtst.toml"
	}
	return "xtstd.toml"
}
