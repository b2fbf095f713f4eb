package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/settle/config"
	"github.com/colorfulnotion/settle/engine"
	"github.com/colorfulnotion/settle/l1"
	"github.com/colorfulnotion/settle/log"
	"github.com/colorfulnotion/settle/rpc"
	"github.com/colorfulnotion/settle/services"
	"github.com/colorfulnotion/settle/statedb"
	"github.com/colorfulnotion/settle/storage"
	"github.com/colorfulnotion/settle/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// node wires every component of one settlement node.
type node struct {
	cfg       *config.Config
	store     *storage.PersistenceStore
	state     *statedb.Manager
	anchor    *l1.SimulatedAnchor
	engine    *engine.Engine
	server    *rpc.Server
	telemetry *telemetry.Provider
}

func newNode(ctx context.Context, cfg *config.Config) (*node, error) {
	n := &node{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			n.close()
		}
	}()

	tp, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	n.telemetry = tp

	allocs, err := cfg.GenesisAllocs()
	if err != nil {
		return nil, err
	}
	// empty data_dir opens an in-memory leveldb
	n.store, err = storage.NewPersistenceStore(cfg.State.DataDir)
	if err != nil {
		return nil, err
	}
	n.state, err = statedb.NewManager(cfg.StateConfig(), statedb.NewGenesisState(allocs), storage.NewSnapshotStore(n.store))
	if err != nil {
		return nil, err
	}

	ledger := services.NewMemoryLedger()
	for _, a := range allocs {
		ledger.Set(a.Address, a.Token, a.Balance)
	}
	var runtime services.ExecutionRuntime
	if cfg.Batch.Runtime == config.RuntimeKV {
		runtime = services.KVRuntime{GasPerWrite: cfg.Batch.RuntimeGasPerWrite}
	}
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	ec, err := cfg.EngineConfig()
	if err != nil {
		return nil, err
	}
	n.anchor = l1.NewSimulatedAnchor()
	n.engine, err = engine.New(ec, n.state, n.anchor, engine.Services{
		Ledger:   ledger,
		Policy:   services.AllowAll{},
		Runtime:  runtime,
		Registry: registry,
	})
	if err != nil {
		return nil, err
	}
	n.server = rpc.NewServer(rpc.Config{
		Addr:         cfg.RPC.Addr,
		EnableWS:     cfg.RPC.EnableWS,
		ReadTimeout:  cfg.RPC.ReadTimeout.Std(),
		WriteTimeout: cfg.RPC.WriteTimeout.Std(),
	}, n.engine, registry)
	ok = true
	return n, nil
}

func (n *node) start(ctx context.Context) error {
	n.anchor.Start(ctx, n.cfg.L1.BlockTime.Std())
	if err := n.engine.Start(ctx); err != nil {
		return err
	}
	return n.server.Start(ctx)
}

// stop shuts components down in reverse dependency order.
func (n *node) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if n.server != nil {
		if err := n.server.Stop(ctx); err != nil {
			log.Warn(log.RPC, "RPC shutdown", "err", err)
		}
	}
	if n.engine != nil {
		n.engine.Stop()
	}
	if n.anchor != nil {
		n.anchor.Stop()
	}
	n.close()
}

func (n *node) close() {
	if n.state != nil {
		n.state.Close()
		n.state = nil
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			log.Warn(log.Storage, "Close store", "err", err)
		}
		n.store = nil
	}
	if n.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := n.telemetry.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn(log.Engine, "Telemetry shutdown", "err", err)
		}
		n.telemetry = nil
	}
}
