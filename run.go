package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"peerbeacon/beacon"
	"peerbeacon/config"
	"peerbeacon/discovery"
	"peerbeacon/discovery/ble"
	"peerbeacon/emitter"
	"peerbeacon/models"
	"peerbeacon/usecase"
)

func newRunCmd(withApp appRunner) *cobra.Command {
	var (
		prioritizeEmitting bool
		ttl                time.Duration
	)

	cmd := &cobra.Command{
		Use: "run",

		Short: "Announce this device and report paired peers nearby",

		Long: `run starts publishing this device and listening for peers until interrupted.
The peer list is printed whenever it changes.

On unix systems SIGUSR1 pauses or resumes emission and SIGHUP resets and restarts it.
`,

		Args: cobra.NoArgs,
	}

	runE := withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		return runBeacon(cmd.Context(), a, cmd.OutOrStdout(), prioritizeEmitting, ttl)
	})
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		if ttl <= 0 {
			return errors.Errorf("ttl must be positive, got %s", ttl)
		}
		return runE(cmd, args)
	}

	cmd.Flags().BoolVar(&prioritizeEmitting, "prioritize-emitting", true, "list tracked peers in range before silent ones")
	cmd.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "how long a peer counts as nearby after its last announcement")

	return cmd
}

func runBeacon(ctx context.Context, a *app, out io.Writer, prioritizeEmitting bool, ttl time.Duration) error {
	log := logger.Get(ctx)

	selfID, err := a.cfg.DeviceUUID()
	if err != nil {
		return err
	}

	transport, simulate, err := newTransport(a.cfg, a.store)
	if err != nil {
		return err
	}

	e, err := emitter.New(emitter.Config{
		Transport: transport,
		Store:     a.store,
		Announcement: beacon.Announcement{
			PeerID:      selfID,
			DisplayName: a.cfg.DeviceName,
			TxPower:     int8(a.cfg.TxPower),
		},
		QueueSize:    a.cfg.QueueSize,
		StartRetries: a.cfg.StartRetries,
	})
	if err != nil {
		return err
	}

	tracked, err := usecase.NewTrackedPeers(a.store, prioritizeEmitting)
	if err != nil {
		return err
	}
	emission := usecase.NewPeerEmission(e)
	results := emission.Run()

	show := func(peers []models.Peer) {
		fmt.Fprintf(out, "\n%s\n", time.Now().Format(time.TimeOnly))
		if err := printPeers(out, peers, time.Now()); err != nil {
			log.Warn("Printing peers failed", zap.Error(err))
		}
		if unpaired := tracked.Unpaired(); len(unpaired) > 0 {
			fmt.Fprintln(out, "\nUnpaired devices nearby (pair with `peerbeacon peers add ID NAME`):")
			if err := printPeers(out, unpaired, time.Now()); err != nil {
				log.Warn("Printing unpaired peers failed", zap.Error(err))
			}
		}
	}

	log.Info("Starting peerbeacon",
		zap.String("deviceID", a.cfg.DeviceID),
		zap.String("transport", a.cfg.Transport),
	)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("emitter", parallel.Fail, e.Run)
		spawn("tracker", parallel.Fail, func(ctx context.Context) error {
			return tracked.Run(ctx, results, show)
		})
		spawn("expiry", parallel.Fail, func(ctx context.Context) error {
			ticker := time.NewTicker(ttl / 2)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case now := <-ticker.C:
					if tracked.Expire(now, ttl) {
						show(tracked.Peers())
					}
				}
			}
		})
		spawn("signals", parallel.Fail, func(ctx context.Context) error {
			return handleLifecycleSignals(ctx, emission, e.StartEmitter)
		})
		if simulate != nil {
			spawn("simulator", parallel.Fail, simulate)
		}
		spawn("start", parallel.Continue, func(ctx context.Context) error {
			return errors.Wrap(e.StartEmitter(ctx), "start emitter")
		})
		return nil
	})
}

func newTransport(cfg *config.DeviceConfig, store peerLister) (discovery.Transport, func(ctx context.Context) error, error) {
	switch cfg.Transport {
	case config.TransportBLE:
		return ble.New(ble.Config{}), nil, nil
	case config.TransportLoopback:
		peers, err := store.ListPeerModels()
		if err != nil {
			return nil, nil, errors.Wrap(err, "load simulated peers")
		}
		medium := discovery.NewMedium()
		sim, err := newSimulator(medium, peers, cfg.RefreshInterval())
		if err != nil {
			return nil, nil, err
		}
		return medium.NewLoopback(-55), sim.Run, nil
	default:
		return discovery.NewMDNSTransport(discovery.MDNSConfig{
			Service:         cfg.Service,
			RefreshInterval: cfg.RefreshInterval(),
		}), nil, nil
	}
}

func handleLifecycleSignals(ctx context.Context, emission *usecase.PeerEmission, start func(ctx context.Context) error) error {
	toggle, reset := lifecycleSignals()
	if len(toggle)+len(reset) == 0 {
		<-ctx.Done()
		return errors.WithStack(ctx.Err())
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, append(toggle, reset...)...)
	defer signal.Stop(ch)

	log := logger.Get(ctx)
	paused := false
	for {
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case sig := <-ch:
			switch {
			case lo.Contains(reset, sig):
				emission.ResetEmitterSource()
				paused = false
				if err := start(ctx); err != nil {
					log.Error("Restarting emitter failed", zap.Error(err))
					continue
				}
				log.Info("Emitter reset and restarted")
			case paused:
				if err := emission.ResumeEmitterSource(ctx); err != nil {
					log.Error("Resuming emitter failed", zap.Error(err))
					continue
				}
				paused = false
				log.Info("Emitter resumed")
			default:
				emission.PauseEmitterSource()
				paused = true
				log.Info("Emitter paused")
			}
		}
	}
}
