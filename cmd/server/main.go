package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	persistlog "estateplanner.dev/internal/persistence/log"
	"estateplanner.dev/internal/persistence/savestore"
	"estateplanner.dev/internal/persistence/snapshot"
	"estateplanner.dev/internal/sim/catalogs"
	"estateplanner.dev/internal/sim/estate"
	"estateplanner.dev/internal/sim/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		estateID   = flag.String("estate", "home", "estate id")
		configDir  = flag.String("configs", "./configs", "config directory")
		schemaDir  = flag.String("schemas", "./schemas", "protocol schema directory (ACT frames are validated when act.schema.json exists)")
		dataDir    = flag.String("data", "./data", "runtime data directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		disableDB  = flag.Bool("disable_db", false, "disable indexing (tick/audit + catalogs + snapshot metadata)")

		snapPath   = flag.String("snapshot", "", "path to snapshot to load (optional; overrides the save store)")
		loadLatest = flag.Bool("load_latest_snapshot", true, "fall back to the latest periodic snapshot when the save store is empty")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cats, err := catalogs.Load(*configDir)
	if err != nil {
		logger.Fatalf("load catalogs: %v", err)
	}

	estateDir := filepath.Join(*dataDir, "estates", *estateID)
	_ = os.MkdirAll(estateDir, 0o755)

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Fatalf("load tuning: %v", err)
		}
		logger.Printf("tuning not found (%s); using defaults", tp)
		tune = tuning.Defaults()
	}

	ctx, cancel := signalContext()
	defer cancel()

	// Optional: read-model index backend (does not affect sim determinism).
	idx, err := openRuntimeIndex(estateDir, *disableDB)
	if err != nil {
		logger.Fatalf("open index backend: %v", err)
	}
	if idx != nil {
		defer idx.Close()
		if err := idx.UpsertCatalogs(*configDir, cats, tune); err != nil {
			logger.Printf("index backend: upsert catalogs: %v", err)
		}
	}

	mirror, err := buildMirrorRuntime(ctx, *dataDir, logger)
	if err != nil {
		logger.Fatalf("init s3 mirror: %v", err)
	}
	defer mirror.Close()

	store, err := savestore.Open(savestore.Config{
		Backend:    os.Getenv("EST_SAVE_BACKEND"),
		EstateID:   *estateID,
		Dir:        estateDir,
		SQLitePath: filepath.Join(estateDir, "save", "estate.sqlite"),
		DSN:        firstNonEmpty(os.Getenv("EST_SAVE_DSN"), os.Getenv("DATABASE_URL")),
	})
	if err != nil {
		logger.Fatalf("open save store: %v", err)
	}
	defer store.Close()

	est := estate.New(estate.ConfigFromTuning(tune), &cats.Structures)
	engine := estate.NewEngine(estate.EngineConfig{
		ID:                 *estateID,
		TickRateHz:         tune.TickRateHz,
		SnapshotEveryTicks: tune.SnapshotEveryTicks,
	}, est)
	engine.SetLogger(logger)

	if err := restoreEstate(ctx, engine, store, estateDir, *snapPath, *loadLatest, logger); err != nil {
		logger.Fatalf("%v", err)
	}

	logOpts := persistlog.LoggerOptions{}
	if mirror.enabled {
		logOpts.RotateLayout = mirror.rotateLayout
		logOpts.OnClose = mirror.Enqueue
	}
	tickLog := persistlog.NewTickLoggerWithOptions(estateDir, logOpts)
	auditLog := persistlog.NewAuditLoggerWithOptions(estateDir, logOpts)
	defer tickLog.Close()
	defer auditLog.Close()
	fan := persistlog.Fanout{
		Ticks:  []estate.TickLogger{tickLog},
		Audits: []estate.AuditLogger{auditLog},
	}
	if idx != nil {
		fan.Ticks = append(fan.Ticks, idx)
		fan.Audits = append(fan.Audits, idx)
	}
	engine.SetTickLogger(fan)
	engine.SetAuditLogger(fan)

	rt := &estateRuntime{
		estateDir:   estateDir,
		engine:      engine,
		idx:         idx,
		mirror:      mirror,
		store:       store,
		logger:      logger,
		enableAdmin: envBool("EST_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()),
		enablePprof: envBool("EST_ENABLE_PPROF_HTTP", false),
		actSchema:   loadActSchema(*schemaDir, logger),
	}

	snapCh := make(chan snapshot.SnapshotV1, 2)
	saveCh := make(chan snapshot.SnapshotV1, 4)
	archiveCh := make(chan snapshot.SnapshotV1, 1)
	engine.SetSnapshotSink(snapCh)
	engine.SetSaveSink(saveCh)
	engine.SetArchiveSink(archiveCh)
	go rt.runSnapshotWriter(ctx, snapCh)
	go rt.runSaver(ctx, saveCh)
	go rt.runArchiver(ctx, archiveCh)
	defer rt.finalSave()

	go func() {
		if err := engine.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("estate stopped: %v", err)
		}
	}()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           rt.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("estate=%s tick=%d listening on %s", *estateID, engine.CurrentTick(), *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Printf("ListenAndServe: %v", err)
	}
}

// restoreEstate picks the starting state: the -snapshot file, else the save
// store, else the latest periodic snapshot, else defaults. Only an explicit
// -snapshot that cannot be loaded is an error.
func restoreEstate(ctx context.Context, engine *estate.Engine, store savestore.Store, estateDir, snapPath string, loadLatest bool, logger *log.Logger) error {
	if p := strings.TrimSpace(snapPath); p != "" {
		if err := restoreFromFile(engine, p); err != nil {
			return fmt.Errorf("snapshot %s: %w", p, err)
		}
		logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(p), engine.CurrentTick())
		return nil
	}
	if store != nil {
		if _, ok := savestore.Restore(ctx, store, engine, logger); ok {
			logger.Printf("resumed from save store tick=%d", engine.CurrentTick())
			return nil
		}
	}
	latest := latestSnapshot(estateDir)
	if !loadLatest || latest == "" {
		return nil
	}
	if err := restoreFromFile(engine, latest); err != nil {
		logger.Printf("latest snapshot %s unusable, starting from defaults: %v", filepath.Base(latest), err)
		return nil
	}
	logger.Printf("resumed from snapshot=%s tick=%d", filepath.Base(latest), engine.CurrentTick())
	return nil
}

func restoreFromFile(engine *estate.Engine, path string) error {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	if id := engine.ID(); snap.Header.EstateID != "" && snap.Header.EstateID != id {
		return fmt.Errorf("snapshot estate id mismatch: flag=%s snap=%s", id, snap.Header.EstateID)
	}
	if err := engine.ImportSnapshot(snap); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	return nil
}

func loadActSchema(dir string, logger *log.Logger) *jsonschema.Schema {
	p := filepath.Join(dir, "act.schema.json")
	if _, err := os.Stat(p); err != nil {
		logger.Printf("act schema not found (%s); ACT frames are not schema-checked", p)
		return nil
	}
	sch, err := jsonschema.Compile(p)
	if err != nil {
		logger.Printf("act schema: %v", err)
		return nil
	}
	return sch
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
