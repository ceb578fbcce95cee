package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aretw0/lattice/internal/config"
	"github.com/aretw0/lattice/internal/logging"
	"github.com/aretw0/lattice/internal/presentation/tui"
	"github.com/aretw0/lattice/pkg/domain"
	"github.com/aretw0/lattice/pkg/ports"
	"github.com/aretw0/lattice/pkg/record"
	"github.com/aretw0/lattice/pkg/replica"
	"github.com/spf13/cobra"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run two peers through a color change",
	Long: `Starts two peers on one document. Peer A publishes w1 with color "red", then
sets "blue" and "green" back to back. Peer B mirrors w1 and must end on "green"
after a single coalesced transaction.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("redis")
		interval, _ := cmd.Flags().GetDuration("interval")

		res, err := runDemo(cmd.Context(), cmd.OutOrStdout(), demoOptions{RedisAddr: addr, Interval: interval})
		if err != nil {
			return err
		}
		if res.Color != "green" || res.Transactions != 1 {
			return fmt.Errorf("demo did not converge: color=%v transactions=%d", res.Color, res.Transactions)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(demoCmd)
	demoCmd.Flags().String("redis", "", "Redis address; runs the peers on a Redis document instead of memory")
	demoCmd.Flags().Duration("interval", 50*time.Millisecond, "Send interval of both peers")
}

type demoOptions struct {
	RedisAddr string
	Interval  time.Duration
}

type demoResult struct {
	Color        domain.Value
	Transactions int
}

// lockedWriter serializes writes from document delivery goroutines.
type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
}

func runDemo(ctx context.Context, w io.Writer, opts demoOptions) (demoResult, error) {
	out := &lockedWriter{w: w}
	logger := logging.NewNop()

	docCfg := config.DocumentConfig{Driver: config.DriverMemory}
	if opts.RedisAddr != "" {
		docCfg = config.Default().Document
		docCfg.Driver = config.DriverRedis
		docCfg.Redis.Addr = opts.RedisAddr
		docCfg.Redis.Prefix = "lattice-demo:"
	}

	// Peers share the memory document; on Redis each opens its own connection.
	docA, closeA, err := openDocument(ctx, docCfg, logger)
	if err != nil {
		return demoResult{}, err
	}
	defer closeA()
	docB := docA
	if opts.RedisAddr != "" {
		var closeB func() error
		docB, closeB, err = openDocument(ctx, docCfg, logger)
		if err != nil {
			return demoResult{}, err
		}
		defer closeB()
	}

	nsCfg := config.NamespaceConfig{Name: "widgets", SendInterval: opts.Interval, GetTimeout: 2 * time.Second}
	peerA, err := newRecordManager(docA, nsCfg, logger, domain.LifecycleHooks{})
	if err != nil {
		return demoResult{}, err
	}
	defer peerA.Close(context.Background())

	labelA, labelB := tui.Peer("peer-a", 0), tui.Peer("peer-b", 1)
	peerB, err := replica.New(docB, replica.Config[*record.Record]{
		Name: nsCfg.Name,
		Create: func(_ context.Context, id string, state domain.Map, _ domain.Value) (*record.Record, error) {
			out.Printf("%s mirrors %s %v\n", labelB, id, state)
			return record.New(record.WithFields(state), record.WithWatch(func(key string, v domain.Value, deleted bool) {
				if !deleted {
					out.Printf("%s receives %s = %v\n", labelB, key, v)
				}
			})), nil
		},
		SendInterval: nsCfg.SendInterval,
		GetTimeout:   nsCfg.GetTimeout,
	}, replica.WithLogger(logger))
	if err != nil {
		return demoResult{}, err
	}
	defer peerB.Close(context.Background())

	w1 := record.New(record.WithFields(domain.Map{"color": "red"}))
	if err := peerA.Add(ctx, "w1", w1, domain.Map{"kind": "widget"}); err != nil {
		return demoResult{}, err
	}
	out.Printf("%s publishes w1 color = red\n", labelA)

	mirror, ok := peerB.GetInstance(ctx, "w1", nsCfg.GetTimeout)
	if !ok {
		return demoResult{}, errors.New("peer-b never saw w1")
	}

	var mu sync.Mutex
	var transactions int
	stateMap := peerA.StateMap()
	cancel := docB.Observe(func(_ context.Context, b ports.Batch) {
		if b.Origin != peerA.Origin() {
			return
		}
		for _, c := range b.Changes {
			if c.Map == stateMap && c.Key == "w1" && c.Field == "color" {
				mu.Lock()
				transactions++
				mu.Unlock()
				return
			}
		}
	})
	defer cancel()

	for _, color := range []string{"blue", "green"} {
		if err := w1.Set("color", color); err != nil {
			return demoResult{}, err
		}
		out.Printf("%s sets w1 color = %s\n", labelA, color)
	}

	deadline := time.Now().Add(nsCfg.GetTimeout)
	for {
		if v, _ := mirror.Get("color"); v == "green" {
			break
		}
		if time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	// A second transaction would land within one more interval.
	time.Sleep(2 * nsCfg.SendInterval)

	color, _ := mirror.Get("color")
	mu.Lock()
	res := demoResult{Color: color, Transactions: transactions}
	mu.Unlock()

	out.Printf("%s sees w1 color = %v after %d transaction(s)\n", labelB, res.Color, res.Transactions)

	if err := peerA.Remove(ctx, "w1"); err != nil {
		return res, err
	}
	return res, nil
}
