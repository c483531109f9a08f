// Command kydux relays tokens from a worker process to websocket observers.
//
//	kydux --n_context=128 --python=python
//
// The worker is started as `<python> <install dir>/worker.py` once the
// listener is bound. It learns where to publish from SECRET_URL and POSTs
// each token as a raw body:
//
//	curl -d "hello" http://localhost:3000/<secret>
//
// Observers open a websocket to /ws and receive every token published while
// they are connected, in order. Nothing is stored. GET / serves the page
// template with the context size filled in. Any other request is a 404.
//
// The secret path is the only credential: 256 random bits generated at
// startup unless --secret_url_file names a file holding one. When the worker
// exits for any reason the server stops and closes every connection.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string
	flags := defaultOptions()

	cmd := &cobra.Command{
		Use:           "kydux",
		Short:         "Relay worker tokens to websocket observers",
		Args:          cobra.ArbitraryArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			o, err := loadOptions(configFile)
			if err != nil {
				return err
			}
			mergeFlags(&o, flags, cmd.Flags())

			cfg, err := resolve(o, rand.Reader)
			if err != nil {
				return err
			}
			log := newLogger(os.Stderr, cfg.Debug)

			dir, err := installDir()
			if err != nil {
				return fmt.Errorf("install dir: %w", err)
			}
			sup := newSupervisor(cfg, dir, os.Stdout, log)

			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, sup, log)
		},
	}
	bindFlags(cmd.Flags(), &flags, &configFile)
	return cmd
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
