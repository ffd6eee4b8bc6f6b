// Package server wires together the store, replication, and command engine
// into a running process: it loads any on-disk RDB snapshot at startup, then
// accepts client connections; in replica role it additionally drives the
// upstream handshake against a configured master and applies the resulting
// command stream to the same store the client-facing listener serves reads
// from.
package server

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"redisd/internal/config"
	"redisd/internal/conn"
	"redisd/internal/engine"
	"redisd/internal/logger"
	"redisd/internal/rdb"
	"redisd/internal/redisx"
	"redisd/internal/repl"
	"redisd/internal/resp"
	"redisd/internal/store"
)

// Run starts the server for cfg and blocks until the accept loop exits (or,
// in replica role, until the upstream connection to the master fails).
func Run(ctx context.Context, cfg *config.Config) error {
	// Validate is idempotent and safe to call again for a cfg that already
	// went through config.ParseArgs; it's required here for a cfg built as a
	// struct literal (as tests do), since MasterHost/MasterPort are only
	// derived from ReplicaOf inside Validate.
	if err := cfg.Validate(); err != nil {
		return err
	}

	st := store.New()
	if err := loadSnapshot(cfg, st); err != nil {
		return err
	}

	if cfg.IsReplica() {
		return runReplica(ctx, cfg, st)
	}
	return runMaster(ctx, cfg, st)
}

// loadSnapshot loads <dir>/<dbfilename> into st if the file exists. A
// missing file is not an error (a fresh server simply starts empty); a
// malformed file is a fatal startup error, since internal/rdb is
// deliberately strict about what it accepts and a server that silently
// ignored a corrupt snapshot would start serving stale or empty data.
func loadSnapshot(cfg *config.Config, st *store.Store) error {
	if cfg.DBFilename == "" {
		return nil
	}
	path := filepath.Join(cfg.Dir, cfg.DBFilename)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("server: opening RDB snapshot %s: %w", path, err)
	}
	defer f.Close()

	snap, err := rdb.Read(f)
	if err != nil {
		return fmt.Errorf("server: parsing RDB snapshot %s: %w", path, err)
	}
	hydrateSnapshot(st, snap)
	logger.Info("server: loaded %d keys from %s", len(snap.DB.Entries), path)
	return nil
}

// hydrateSnapshot loads snap's entries into st, preserving each entry's
// absolute expire_at (the Data Model's string {bytes, expire_at} contract).
// An entry whose expire_at has already passed is dropped at load time rather
// than stored with a past expiry for the store to discard on first access.
func hydrateSnapshot(st *store.Store, snap *rdb.Snapshot) {
	if snap == nil {
		return
	}
	now := time.Now().UnixMilli()
	dropped := 0
	for _, e := range snap.DB.Entries {
		if e.ExpireAt > 0 && e.ExpireAt <= now {
			dropped++
			continue
		}
		st.SetStringAt(e.Key, []byte(e.Value), e.ExpireAt)
	}
	if dropped > 0 {
		logger.Info("server: dropped %d already-expired snapshot entries", dropped)
	}
}

func runMaster(ctx context.Context, cfg *config.Config, st *store.Store) error {
	replSrv := repl.NewServer()
	eng := engine.New(st, cfg, replSrv)
	logger.Info("server: master replid %s", replSrv.ReplID())
	return acceptLoop(ctx, cfg, eng)
}

func runReplica(ctx context.Context, cfg *config.Config, st *store.Store) error {
	addr := fmt.Sprintf("%s:%d", cfg.MasterHost, cfg.MasterPort)
	client, err := redisx.Dial(ctx, redisx.Config{Addr: addr})
	if err != nil {
		return fmt.Errorf("server: dialing master %s: %w", addr, err)
	}

	hctx := &repl.HandshakeContext{Ctx: ctx, Client: client, Port: cfg.Port}
	eng := engine.NewReplica(st, cfg, &hctx.ReplID, &hctx.Offset)
	hctx.Apply = func(cmd resp.Command, raw []byte) ([]byte, error) {
		reply := eng.Execute(engine.NewConn(nil), cmd, raw)
		if cmd.Name != "REPLCONF" {
			return nil, nil
		}
		return reply, nil
	}
	hctx.OnSnapshot = func(snap *rdb.Snapshot) { hydrateSnapshot(st, snap) }

	errCh := make(chan error, 1)
	go func() {
		hs := repl.NewHandshake()
		err := hs.Run(hctx)
		client.Close()
		errCh <- err
	}()

	go acceptLoop(ctx, cfg, eng) //nolint:errcheck // logged internally; handshake error is authoritative

	err = <-errCh
	if err != nil {
		return fmt.Errorf("server: replication with master %s ended: %w", addr, err)
	}
	return nil
}

func acceptLoop(ctx context.Context, cfg *config.Config, eng *engine.Engine) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("server: listen on port %d: %w", cfg.Port, err)
	}
	defer ln.Close()
	logger.Info("server: listening on :%d", cfg.Port)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		go conn.New(c, eng).Serve()
	}
}
