// plumberd runs a particle-plumber node's scheduling core. No libp2p host
// is wired in, so the Kademlia peer discovery behaviour is not started.
//
// Build: go build -o plumberd ./cmd/plumberd
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pipeops/particle-plumber/pkg/config"
	"github.com/pipeops/particle-plumber/pkg/plumber"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "plumberd",
		Short: "Particle plumber scheduling node",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	root.AddCommand(newServeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("loading config: %w", err)
			}
			log := config.LoggerFor(cfg.Log, "plumberd")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			n, err := newNode(ctx, cfg, log)
			if err != nil {
				return fmt.Errorf("starting node: %w", err)
			}
			defer n.Close()

			log.WithField("pool_size", cfg.VMPool.PoolSize).Info("plumberd started")

			for {
				select {
				case ev, ok := <-n.plumber.Events():
					if !ok {
						return nil
					}
					logEvent(log, ev)
				case <-ctx.Done():
					log.Info("shutting down")
					return nil
				}
			}
		},
	}
}

func logEvent(log *logrus.Entry, ev plumber.Event) {
	if ev.Err != nil {
		log.WithField("kind", ev.Err.Kind.String()).Warn(ev.Err.Error())
		return
	}
	log.WithFields(logrus.Fields{
		"particle_id": ev.Effects.Particle.ID,
		"next_peers":  ev.Effects.NextPeers,
	}).Info("routing particle to remote peers")
}
