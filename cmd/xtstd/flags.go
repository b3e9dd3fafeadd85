package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/danmuck/xtst/internal/config"
)

// options is what the command line asks for beyond the server config.
type options struct {
	cfg       config.ServerConfig
	transform string // -f document
	keyword   string
}

const usageText = `usage: xtstd [options] transform_file_or_directory [schema_file]

Serves XML transformations over the xtst protocol. In single mode the first
argument is a stylesheet; with -m it is a directory scanned for xtst.toml or
xtst.properties handler descriptors.

options:
`

var errUsage = errors.New("usage")

// parseArgs resolves defaults, the config file, XTST_* environment, then
// flags and positional arguments, later sources winning.
func parseArgs(args []string, stderr io.Writer) (options, error) {
	fs := flag.NewFlagSet("xtstd", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}

	configPath := fs.String("config", "", "TOML config file")
	host := fs.String("a", "", "listen host (default localhost)")
	port := fs.Int("p", 0, "listen port (default 35791)")
	check := fs.Int("c", 0, "source check interval in seconds (default 30)")
	multi := fs.Bool("m", false, "multi-handler mode: argument is a descriptor directory")
	transform := fs.String("f", "", "transform this XML file once, print the result and exit")
	keyword := fs.String("k", "", "handler keyword for -f in multi mode")
	adminAddr := fs.String("admin", "", "admin HTTP listen address (empty disables)")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return options{}, err
	}

	var flagErr error
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "a":
			cfg.Host = *host
		case "p":
			cfg.Port = *port
		case "c":
			if *check < 0 {
				flagErr = fmt.Errorf("-c must not be negative")
			}
			cfg.CheckInterval = time.Duration(*check) * time.Second
		case "m":
			cfg.Multi = *multi
		case "admin":
			cfg.AdminAddr = *adminAddr
		}
	})
	if flagErr != nil {
		return options{}, flagErr
	}

	rest := fs.Args()
	if len(rest) > 2 {
		fs.Usage()
		return options{}, errUsage
	}
	if len(rest) >= 1 {
		cfg.TransformPath = rest[0]
	}
	if len(rest) == 2 {
		cfg.SchemaPath = rest[1]
	}
	if cfg.TransformPath == "" {
		fs.Usage()
		return options{}, errUsage
	}
	if err := cfg.Validate(); err != nil {
		return options{}, err
	}
	return options{cfg: cfg, transform: *transform, keyword: *keyword}, nil
}
