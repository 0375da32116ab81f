// Command msgrelayd runs the msgrelay presence-and-messaging relay server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hashicorp/go-envparse"
	"github.com/spf13/pflag"

	"github.com/carlosiborra/msgrelay/pkg/msgrelay"
)

var opt struct {
	Help bool
}

func init() {
	pflag.BoolVarP(&opt.Help, "help", "h", false, "Show this help text")
}

func main() {
	pflag.Parse()

	if pflag.NArg() > 1 || opt.Help {
		fmt.Fprintf(os.Stderr, "usage: %s [env file]\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "  reads configuration from the process environment, or from the")
		fmt.Fprintln(os.Stderr, "  optional env file (KEY=VALUE per line) if given, with the real")
		fmt.Fprintln(os.Stderr, "  environment layered on top. Recognized variables are prefixed")
		fmt.Fprintln(os.Stderr, "  MSGRELAY_; see pkg/msgrelay.Config for the full list.")
		pflag.PrintDefaults()
		if opt.Help {
			os.Exit(0)
		}
		os.Exit(2)
	}

	var e []string
	if pflag.NArg() == 0 {
		e = os.Environ()
	} else {
		var err error
		e, err = readEnv(pflag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: read env file: %v\n", err)
			os.Exit(1)
		}
		e = append(e, os.Environ()...)
	}

	var c msgrelay.Config
	if err := c.UnmarshalEnv(e, false); err != nil {
		fmt.Fprintf(os.Stderr, "error: parse config: %v\n", err)
		os.Exit(1)
	}

	s, err := msgrelay.NewServer(&c)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: new server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hch := make(chan os.Signal, 1)
	signal.Notify(hch, syscall.SIGHUP)
	go func() {
		for range hch {
			s.HandleSIGHUP()
		}
	}()

	if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: server: %v\n", err)
		os.Exit(1)
	}
}

// readEnv reads KEY=VALUE assignments from the file at name.
func readEnv(name string) ([]string, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	m, err := envparse.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}

	e := make([]string, 0, len(m))
	for k, v := range m {
		e = append(e, k+"="+v)
	}
	return e, nil
}
