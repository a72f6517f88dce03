// Command docswarm runs a document sync node: it replicates actor logs with
// its peers and serves documents over an optional HTTP API and a REPL.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/drpcorg/docswarm/config"
)

func main() {
	configPath := flag.String("config", "", "config file (yaml, json or toml)")
	interactive := flag.Bool("repl", true, "run the interactive shell")
	history := flag.String("history", filepath.Join(os.TempDir(), ".docswarm_cmd_log.txt"), "shell history file")
	flag.Parse()

	if err := run(*configPath, *interactive, *history); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func run(configPath string, interactive bool, history string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	n, err := openNode(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			n.log.Error("shutdown", "err", err)
		}
	}()

	if !interactive {
		<-ctx.Done()
		n.log.Info("shutting down")
		return nil
	}

	repl := REPL{n: n}
	if err := repl.Open(history); err != nil {
		return err
	}
	defer repl.Close()

	for ctx.Err() == nil {
		err := repl.REPL(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			repl.printf("%s\n", err.Error())
		}
	}
	return nil
}
