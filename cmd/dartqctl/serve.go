package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dart-go/dartq/amq"
	"github.com/dart-go/dartq/internal/config"
	"github.com/dart-go/dartq/internal/logging"
	"github.com/dart-go/dartq/internal/registry"
	"github.com/dart-go/dartq/internal/xcmd"
)

var serveCmdArgs struct {
	ConfigPath   string
	DrainPeriod  time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve this unit's fabric and drain its queue until interrupted",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServe(); err != nil {
			if errors.Is(err, xcmd.Interrupted{}) {
				return
			}
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	serveCmd.Flags().StringVarP(&serveCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	serveCmd.Flags().DurationVar(&serveCmdArgs.DrainPeriod, "drain-period", time.Second, "How often to call Process while idle")
	serveCmd.MarkFlagRequired("config")
}

func runServe() error {
	cfg, err := config.LoadConfig(serveCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, atomicLevel, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Sync()
	_ = atomicLevel

	tm, err := buildTeam(cfg.Team)
	if err != nil {
		return fmt.Errorf("building team: %w", err)
	}

	f, err := buildFabric(cfg, log)
	if err != nil {
		return fmt.Errorf("building fabric: %w", err)
	}
	defer f.Close()

	reg := registry.New()
	registerBuiltins(reg, log)

	ctx := context.Background()
	wg, ctx := errgroup.WithContext(ctx)

	wg.Go(func() error {
		return f.Serve(ctx)
	})

	wg.Go(func() error {
		rt := amq.NewRuntime(amq.WithRuntimeLogger(log))
		if err := rt.Init(ctx, tm, reg, f); err != nil {
			return fmt.Errorf("initializing translation table: %w", err)
		}

		q, err := rt.Open(ctx, tm, cfg.Queue.ID, uint64(cfg.Queue.CapacityBytes.Bytes()), f, reg)
		if err != nil {
			return fmt.Errorf("opening queue %q: %w", cfg.Queue.ID, err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := q.Close(closeCtx); err != nil {
				log.Warnw("closing queue failed", "error", err)
			}
		}()

		ticker := time.NewTicker(serveCmdArgs.DrainPeriod)
		defer ticker.Stop()

		log.Infow("dartqctl: serving", "listen", cfg.Listen, "team", cfg.Team.Name, "queue", cfg.Queue.ID)
		for {
			select {
			case <-ticker.C:
				if err := q.Process(ctx); err != nil {
					log.Debugw("drain attempt did not complete", "error", err)
				}
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	})

	wg.Go(func() error {
		err := xcmd.WaitInterrupted(ctx)
		log.Infow("dartqctl: caught signal", "error", err)
		return err
	})

	return wg.Wait()
}
