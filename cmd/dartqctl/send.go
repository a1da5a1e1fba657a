package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/spf13/cobra"

	"github.com/dart-go/dartq/amq"
	"github.com/dart-go/dartq/internal/config"
	"github.com/dart-go/dartq/internal/logging"
	"github.com/dart-go/dartq/internal/registry"
)

var sendCmdArgs struct {
	ConfigPath string
	Target     uint32
	Handler    string
	Payload    string
	Retries    uint
}

var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send one message to a peer unit's queue",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runSend(); err != nil {
			fmt.Printf("ERROR: %v\n", err)
			os.Exit(1)
		}
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendCmdArgs.ConfigPath, "config", "c", "", "Path to the configuration file (required)")
	sendCmd.Flags().Uint32Var(&sendCmdArgs.Target, "target", 0, "Target unit's global ID (required)")
	sendCmd.Flags().StringVar(&sendCmdArgs.Handler, "handler", "echo", "Handler name to invoke on the target")
	sendCmd.Flags().StringVar(&sendCmdArgs.Payload, "payload", "", "Payload bytes, sent as-is")
	sendCmd.Flags().UintVar(&sendCmdArgs.Retries, "retries", 3, "Number of times to retry on AGAIN before giving up")
	sendCmd.MarkFlagRequired("config")
	sendCmd.MarkFlagRequired("target")
}

func runSend() error {
	cfg, err := config.LoadConfig(sendCmdArgs.ConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, _, err := logging.Init(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer log.Sync()

	tm, err := buildTeam(cfg.Team)
	if err != nil {
		return fmt.Errorf("building team: %w", err)
	}

	f, err := buildFabric(cfg, log)
	if err != nil {
		return fmt.Errorf("building fabric: %w", err)
	}
	defer f.Close()

	targetRel, ok := tm.RelativeID(sendCmdArgs.Target)
	if !ok {
		return fmt.Errorf("target global id %d is not a member of team %q", sendCmdArgs.Target, cfg.Team.Name)
	}

	reg := registry.New()
	registerBuiltins(reg, log)

	handlerID, ok := reg.ByName(sendCmdArgs.Handler)
	if !ok {
		return fmt.Errorf("unknown handler %q (see `dartqctl handlers`)", sendCmdArgs.Handler)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rt := amq.NewRuntime(amq.WithRuntimeLogger(log))
	if err := rt.Init(ctx, tm, reg, f); err != nil {
		return fmt.Errorf("initializing translation table: %w", err)
	}

	q, err := rt.Open(ctx, tm, cfg.Queue.ID, uint64(cfg.Queue.CapacityBytes.Bytes()), f, reg)
	if err != nil {
		return fmt.Errorf("opening queue %q: %w", cfg.Queue.ID, err)
	}
	defer q.Close(ctx)

	send := func(_ context.Context) (struct{}, error) {
		err := q.TrySend(ctx, targetRel, handlerID, []byte(sendCmdArgs.Payload))
		if errors.Is(err, amq.ErrAgain) {
			return struct{}{}, err
		}
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, nil
	}

	// TrySend's AGAIN is a capacity-contention signal, not a fabric
	// failure; retrying it with backoff is exactly the caller-side policy
	// spec.md §7 leaves to the application instead of hiding inside trysend.
	_, err = backoff.Retry(ctx, send,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(sendCmdArgs.Retries+1),
	)
	if err != nil {
		return fmt.Errorf("sending to unit %d after retries: %w", sendCmdArgs.Target, err)
	}

	log.Infow("dartqctl: sent", "target", sendCmdArgs.Target, "handler", sendCmdArgs.Handler, "bytes", len(sendCmdArgs.Payload))
	return nil
}
