package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/danmuck/xtst/internal/logging"
	"github.com/danmuck/xtst/internal/service"
	"github.com/rs/zerolog/log"
)

func main() {
	logging.ConfigureRuntime()

	opts, err := parseArgs(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(os.Stderr, "xtstd: %v\n", err)
		}
		os.Exit(2)
	}

	svc, err := service.New(opts.cfg, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "xtstd: %v\n", err)
		os.Exit(1)
	}

	if opts.transform != "" {
		out, err := svc.TransformFile(context.Background(), opts.keyword, opts.transform)
		if err != nil {
			fmt.Fprintf(os.Stderr, "xtstd: %v\n", err)
			os.Exit(1)
		}
		_, _ = os.Stdout.Write(out)
		return
	}

	if err := svc.Run(); err != nil {
		log.Error().Err(err).Msg("xtstd stopped")
		fmt.Fprintf(os.Stderr, "xtstd: %v\n", err)
		os.Exit(1)
	}
}
