package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"estateplanner.dev/internal/metrics"
	"estateplanner.dev/internal/persistence/archive"
	"estateplanner.dev/internal/persistence/indexdb"
	"estateplanner.dev/internal/persistence/savestore"
	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/transport/httpapi"
	"estateplanner.dev/internal/transport/ws"
)

// estateRuntime ties one engine to its persistence backends and HTTP surfaces.
type estateRuntime struct {
	estateDir string
	engine    *estate.Engine
	idx       runtimeIndex // may be nil
	mirror    *mirrorRuntime
	store     savestore.Store // may be nil
	logger    *log.Logger

	enableAdmin bool
	enablePprof bool
	actSchema   *jsonschema.Schema
}

// writeSnapshot persists one periodic or requested snapshot and hands it to
// the index and the mirror.
func (rt *estateRuntime) writeSnapshot(snap snapshot.SnapshotV1) (string, error) {
	path := filepath.Join(rt.estateDir, "snapshots", fmt.Sprintf("%d.snap.zst", snap.Header.Tick))
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		return "", err
	}
	rt.mirror.Enqueue(path)
	if rt.idx != nil {
		rt.idx.RecordSnapshot(path, snap)
	}
	return path, nil
}

func (rt *estateRuntime) runSnapshotWriter(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			if _, err := rt.writeSnapshot(snap); err != nil {
				rt.logger.Printf("snapshot write: %v", err)
			}
		}
	}
}

// runArchiver keeps the state each RESET discarded.
func (rt *estateRuntime) runArchiver(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			gen, path, err := archive.ArchiveResetSnapshot(rt.estateDir, snap)
			if err != nil {
				rt.logger.Printf("reset archive: %v", err)
				continue
			}
			rt.mirror.Enqueue(path)
			rt.logger.Printf("reset archive: generation=%d tick=%d path=%s", gen, snap.Header.Tick, path)
		}
	}
}

// runSaver stores the state after every accepted mutation. When the saver
// falls behind, the engine replaces queued saves with newer ones.
func (rt *estateRuntime) runSaver(ctx context.Context, ch <-chan snapshot.SnapshotV1) {
	for {
		select {
		case <-ctx.Done():
			return
		case snap := <-ch:
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := rt.store.Save(sctx, snap); err != nil {
				rt.logger.Printf("save estate: %v", err)
			}
			cancel()
		}
	}
}

// finalSave runs at shutdown so the last mutations survive a restart.
func (rt *estateRuntime) finalSave() {
	if rt.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rt.store.Save(ctx, rt.engine.ExportSnapshot()); err != nil {
		rt.logger.Printf("final save: %v", err)
	}
}

func (rt *estateRuntime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})

	opts := metrics.Options{}
	if rt.idx != nil {
		opts.IndexStats = rt.idx.Stats
	}
	if rt.mirror != nil && rt.mirror.enabled {
		opts.MirrorStats = rt.mirror.Stats
	}
	mux.Handle("/metrics", metrics.Handler(metrics.NewRegistry(rt.engine, opts)))

	if rt.enableAdmin {
		// Local-only admin endpoints (do not affect simulation determinism).
		mux.HandleFunc("/admin/v1/state", rt.adminState)
		mux.HandleFunc("/admin/v1/snapshot", rt.adminSnapshot)
	} else {
		rt.logger.Printf("admin endpoints disabled (EST_ENABLE_ADMIN_HTTP=false)")
	}
	if rt.enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		rt.logger.Printf("pprof endpoints disabled (EST_ENABLE_PPROF_HTTP=false)")
	}

	wsSrv := ws.NewServer(rt.engine, rt.logger)
	if rt.actSchema != nil {
		wsSrv.SetActSchema(rt.actSchema)
	}
	mux.Handle("/v1/", httpapi.New(rt.engine, rt.logger).Routes(wsSrv.Handler()))
	return mux
}

type adminStateResponse struct {
	EstateID string               `json:"estate_id"`
	Tick     uint64               `json:"tick"`
	Currency int64                `json:"currency"`
	Digest   string               `json:"digest"`
	Metrics  estate.EngineMetrics `json:"metrics"`
	Estate   estate.Metrics       `json:"estate"`
	Index    *indexdb.Stats       `json:"index,omitempty"`
	Mirror   any                  `json:"mirror,omitempty"`
}

func (rt *estateRuntime) adminState(rw http.ResponseWriter, r *http.Request) {
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	v := rt.engine.View()
	resp := adminStateResponse{
		EstateID: rt.engine.ID(),
		Tick:     v.Tick,
		Currency: v.Currency,
		Digest:   v.Digest,
		Metrics:  rt.engine.Metrics(),
		Estate:   v.Metrics,
	}
	if rt.idx != nil {
		s := rt.idx.Stats()
		resp.Index = &s
	}
	if rt.mirror != nil && rt.mirror.enabled {
		resp.Mirror = rt.mirror.Stats()
	}
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(resp)
}

func (rt *estateRuntime) adminSnapshot(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		rw.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !isLoopbackRemote(r.RemoteAddr) {
		http.Error(rw, "forbidden", http.StatusForbidden)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	tick, err := rt.engine.RequestSnapshot(ctx)
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		rw.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "tick": tick, "error": err.Error()})
		return
	}
	_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "tick": tick})
}

func latestSnapshot(estateDir string) string {
	dir := filepath.Join(estateDir, "snapshots")
	ents, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTick uint64
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		tick, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		if best == "" || tick > bestTick {
			bestTick = tick
			best = filepath.Join(dir, name)
		}
	}
	return best
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}
