package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/xtst/internal/client"
	"github.com/danmuck/xtst/internal/logging"
)

const usageText = `usage: xtstctl [options] <command>

commands:
  validate <document.xml>   transform a document (use -k in multi mode)
  reload                    rediscover handlers on the server
  list-handlers             print the registered handlers

options:
`

func main() {
	logging.ConfigureRuntime()
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("xtstctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprint(stderr, usageText)
		fs.PrintDefaults()
	}
	host := fs.String("a", "localhost", "server host")
	port := fs.Int("p", 35791, "server port")
	keyword := fs.String("k", "", "handler keyword")
	output := fs.String("o", "", "write the result to this file instead of stdout")
	timeout := fs.Duration("t", 60*time.Second, "connection timeout")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	rest := fs.Args()
	if len(rest) == 0 {
		fs.Usage()
		return 2
	}

	c := client.New(serverAddr(*host, *port)).WithTimeout(*timeout)
	ctx := context.Background()

	switch rest[0] {
	case "validate":
		if len(rest) != 2 {
			fs.Usage()
			return 2
		}
		doc, err := os.ReadFile(rest[1])
		if err != nil {
			fmt.Fprintf(stderr, "xtstctl: %v\n", err)
			return 1
		}
		out, err := c.Validate(ctx, *keyword, doc)
		if err != nil {
			fmt.Fprintf(stderr, "xtstctl: %v\n", err)
			return 1
		}
		if err := writeOutput(*output, stdout, out); err != nil {
			fmt.Fprintf(stderr, "xtstctl: %v\n", err)
			return 1
		}
	case "reload":
		msg, err := c.Reload(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "xtstctl: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, msg)
	case "list-handlers":
		lines, err := c.ListHandlers(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "xtstctl: %v\n", err)
			return 1
		}
		report := strings.Join(lines, "\n") + "\n"
		if err := writeOutput(*output, stdout, []byte(report)); err != nil {
			fmt.Fprintf(stderr, "xtstctl: %v\n", err)
			return 1
		}
	default:
		fmt.Fprintf(stderr, "xtstctl: unknown command %q\n", rest[0])
		fs.Usage()
		return 2
	}
	return 0
}

func writeOutput(path string, stdout io.Writer, body []byte) error {
	if path == "" {
		_, err := stdout.Write(body)
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

func serverAddr(host string, port int) string {
	return net.JoinHostPort(strings.TrimSpace(host), strconv.Itoa(port))
}
