package main

import (
	"context"
	_ "embed"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rs/zerolog"

	"bastom.dev/internal/config"
	"bastom.dev/internal/console"
	"bastom.dev/internal/persistence/archive"
	"bastom.dev/internal/persistence/indexdb"
	persistlog "bastom.dev/internal/persistence/log"
	"bastom.dev/internal/persistence/snapshot"
	"bastom.dev/internal/protocol"
	"bastom.dev/internal/sim/world"
	"bastom.dev/internal/transport/observer"
	"bastom.dev/internal/transport/ws"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

//go:embed motd.txt
var defaultMOTD []byte

//go:embed help.txt
var defaultHelp []byte

//go:embed start.sh
var defaultStartScript []byte

const defaultMOTDText = "A Bastom Server!"

// restartExitCode tells start.sh to launch the server again.
const restartExitCode = 3

func main() {
	var (
		settingsPath = flag.String("config", "settings.yaml", "settings file (created with defaults if absent)")
		quiet        = flag.Bool("q", false, "skip the version banner and only log warnings")
		version      = flag.Bool("v", false, "print the version banner and exit")
		addr         = flag.String("addr", "", "http listen address (overrides server_ip/server_port)")
		dataDir      = flag.String("data", "", "runtime data directory (overrides storage.data_dir)")
		snapPath     = flag.String("snapshot", "", "path to snapshot to load (optional)")
		loadLatest   = flag.Bool("load_latest_snapshot", true, "load latest snapshot from data dir if present (when -snapshot is empty)")
		enablePprof  = flag.Bool("pprof", false, "serve /debug/pprof on the listen address")
	)
	flag.Parse()

	if !*quiet || *version {
		printBanner(os.Stdout)
	}
	if *version {
		return
	}

	level := zerolog.InfoLevel
	if *quiet {
		level = zerolog.WarnLevel
	}
	logOut := &swapWriter{w: os.Stderr}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: logOut, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	ensureFile("motd.txt", defaultMOTD, 0o644, "Modify the motd.txt file to change the server motd.", logger)
	ensureFile("help.txt", defaultHelp, 0o644, "Modify the help.txt file to change the console help output.", logger)
	if ensureFile("start.sh", defaultStartScript, 0o755, "Use './start.sh' to start the server.", logger) {
		return
	}
	if _, err := os.Stat(*settingsPath); errors.Is(err, os.ErrNotExist) {
		if err := config.Write(*settingsPath, config.Default()); err != nil {
			logger.Warn().Err(err).Msg("can't create settings file")
		} else {
			logger.Info().Str("path", *settingsPath).Msg("created default settings")
		}
	}

	settings, err := config.Load(*settingsPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load settings")
	}
	if *dataDir != "" {
		settings.Storage.DataDir = *dataDir
	}
	if !settings.TerminalDisabled {
		// Log lines end up in the console scrollback, which has no colors.
		logger = zerolog.New(zerolog.ConsoleWriter{Out: logOut, NoColor: true, TimeFormat: time.TimeOnly}).
			Level(level).With().Timestamp().Logger()
	}
	listen := settings.Addr()
	if *addr != "" {
		listen = *addr
	}

	ctx, cancel := signalContext()
	defer cancel()

	worldID := settings.World.ID
	worldDir := settings.WorldDir()
	snapDir := filepath.Join(worldDir, "snapshots")
	if err := os.MkdirAll(snapDir, 0o755); err != nil {
		logger.Fatal().Err(err).Msg("create world dir")
	}

	provider, err := openProvider(settings.Storage, worldDir, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open chunk storage")
	}
	defer provider.Close()

	w, err := world.New(settings.WorldConfig(), provider, logger.With().Str("world", worldID).Logger())
	if err != nil {
		logger.Fatal().Err(err).Msg("world")
	}

	snapshotToLoad := strings.TrimSpace(*snapPath)
	if snapshotToLoad == "" && *loadLatest {
		if p, _, ok, err := archive.Latest(snapDir); err != nil {
			logger.Warn().Err(err).Msg("scan snapshots")
		} else if ok {
			snapshotToLoad = p
		}
	}
	if snapshotToLoad != "" {
		snap, err := snapshot.ReadSnapshot(snapshotToLoad)
		if err != nil {
			logger.Fatal().Err(err).Str("path", snapshotToLoad).Msg("read snapshot")
		}
		if snap.Header.WorldID != "" && snap.Header.WorldID != worldID {
			logger.Fatal().Str("config", worldID).Str("snapshot", snap.Header.WorldID).Msg("snapshot world id mismatch")
		}
		if err := w.ImportSnapshot(snap); err != nil {
			logger.Fatal().Err(err).Msg("import snapshot")
		}
		logger.Info().Str("snapshot", filepath.Base(snapshotToLoad)).Uint64("tick", w.CurrentTick()).Msg("resumed from snapshot")
	}

	idx, err := openRuntimeIndex(worldDir, settings.Storage.DisableIndex, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("open index")
	}

	tickLog := persistlog.NewTickLogger(worldDir)
	auditLog := persistlog.NewAuditLogger(worldDir)
	if idx != nil {
		w.SetTickLogger(persistlog.TeeTick{tickLog, idx})
		w.SetAuditLogger(persistlog.TeeAudit{auditLog, idx})
	} else {
		w.SetTickLogger(tickLog)
		w.SetAuditLogger(auditLog)
	}

	snapCh := make(chan snapshot.V1, 2)
	w.SetSnapshotSink(snapCh)
	snapDone := make(chan struct{})
	go func() {
		defer close(snapDone)
		for snap := range snapCh {
			writeSnapshot(worldDir, snapDir, snap, settings.Storage, idx, logger)
		}
	}()

	wsSrv, err := ws.NewServer(w, ws.Options{
		AcceptJoins:      settings.WorldGenEnabled(),
		MOTD:             motd(),
		ForwardingSecret: forwardingSecret(settings),
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("ws server")
	}
	obsSrv := observer.NewServer(w, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, worldID, w.Metrics(), wsSrv.Stats(), idx)
	})
	mux.HandleFunc("/motd", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(rw, motd())
	})
	mux.HandleFunc("/admin/v1/state", obsSrv.StateHandler())
	mux.HandleFunc("/admin/v1/snapshot", obsSrv.SnapshotHandler())
	mux.HandleFunc("/admin/v1/observer/ws", obsSrv.WSHandler())
	mux.HandleFunc("/admin/v1/extensions", obsSrv.ExtensionsHandler(extensions(settings), settings.ExtCommandEnabled))
	if *enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	mux.HandleFunc("/v1/ws", wsSrv.Handler())

	srv := &http.Server{
		Addr:              listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	switch settings.Mode {
	case config.ModeOffline:
	case config.ModeVelocity:
		logger.Info().Msg("velocity mode: HELLO must carry the forwarding secret")
	default:
		logger.Warn().Str("mode", string(settings.Mode)).Msg("proxy and account checks are not performed in this mode")
	}
	if !settings.WorldGenEnabled() {
		logger.Warn().Msg("world generation disabled; joins will be refused")
	}
	logger.Info().Str("mode", string(settings.Mode)).Msg("running mode")
	logger.Info().Str("motd", motd()).Msg("motd set")

	if err := w.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("start world")
	}

	go func() {
		logger.Info().Str("addr", listen).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server")
			cancel()
		}
	}()

	var restart atomic.Bool
	consoleDone := make(chan struct{})
	if settings.TerminalDisabled {
		close(consoleDone)
	} else {
		opts := console.Options{
			Stop: cancel,
			Restart: func() {
				restart.Store(true)
				cancel()
			},
			Help:       string(readOr("help.txt", defaultHelp)),
			Extensions: extensions(settings),
		}
		go func() {
			defer close(consoleDone)
			runConsole(ctx, w, opts, logOut, logger)
		}()
	}

	<-ctx.Done()
	<-consoleDone

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	_ = srv.Shutdown(shutdownCtx)
	cancelShutdown()

	w.Stop()
	close(snapCh)
	<-snapDone

	if err := tickLog.Close(); err != nil {
		logger.Warn().Err(err).Msg("close tick log")
	}
	if err := auditLog.Close(); err != nil {
		logger.Warn().Err(err).Msg("close audit log")
	}
	if idx != nil {
		if err := idx.Close(); err != nil {
			logger.Warn().Err(err).Msg("close index")
		}
	}
	if restart.Load() {
		logger.Info().Msg("restarting")
		_ = provider.Close()
		os.Exit(restartExitCode)
	}
	logger.Info().Msg("bye")
}

// runConsole owns the terminal until ctx is done. Log output is routed into
// the console scrollback meanwhile.
func runConsole(ctx context.Context, w *world.World, opts console.Options, logOut *swapWriter, log zerolog.Logger) {
	screen, err := tcell.NewScreen()
	if err != nil {
		log.Warn().Err(err).Msg("no terminal, console disabled")
		return
	}
	con := console.New(screen, w, opts)
	prev := logOut.Swap(con)
	defer logOut.Swap(prev)
	if err := con.Run(ctx); err != nil {
		logOut.Swap(prev)
		log.Error().Err(err).Msg("console")
	}
}

// swapWriter lets the log destination change after loggers were handed out.
type swapWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *swapWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

func (s *swapWriter) Swap(w io.Writer) io.Writer {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.w
	s.w = w
	return prev
}

func writeSnapshot(worldDir, snapDir string, snap snapshot.V1, st config.StorageSettings, idx *indexdb.SQLiteIndex, log zerolog.Logger) {
	path := snapshot.Path(snapDir, snap.Header.Tick)
	if err := snapshot.WriteSnapshot(path, snap); err != nil {
		log.Error().Err(err).Str("path", path).Msg("snapshot write")
		return
	}
	if idx != nil {
		idx.RecordSnapshot(path, snap)
	}
	if archived, ok, err := archive.ArchiveSnapshot(worldDir, path, snap, uint64(st.ArchiveEveryTicks)); err != nil {
		log.Warn().Err(err).Msg("archive snapshot")
	} else if ok {
		log.Info().Str("path", archived).Msg("snapshot archived")
	}
	if n, err := archive.Prune(snapDir, st.KeepSnapshots); err != nil {
		log.Warn().Err(err).Msg("prune snapshots")
	} else if n > 0 {
		log.Debug().Int("removed", n).Msg("pruned snapshots")
	}
	log.Info().Uint64("tick", snap.Header.Tick).Int("entities", len(snap.Entities)).Int("chunks", len(snap.Chunks)).Msg("snapshot written")
}

func printBanner(out io.Writer) {
	fmt.Fprintln(out, "====== VERSIONS ======")
	fmt.Fprintf(out, "Go: %s\n", runtime.Version())
	fmt.Fprintf(out, "Bastom: %s\n", Version)
	fmt.Fprintf(out, "Protocol: %s\n", protocol.Version)
	fmt.Fprintln(out, "======================")
}

// ensureFile materialises an embedded default next to the binary and
// reports whether it had to.
func ensureFile(name string, content []byte, perm os.FileMode, hint string, log zerolog.Logger) bool {
	st, err := os.Stat(name)
	if err == nil {
		if st.IsDir() {
			log.Warn().Msgf("Can't create %s file!", name)
		}
		return false
	}
	log.Info().Msgf("Creating %s file.", name)
	if err := os.WriteFile(name, content, perm); err != nil {
		log.Warn().Err(err).Msgf("Can't create %s file!", name)
		return false
	}
	log.Info().Msg(hint)
	return true
}

// extensions names the pluggable parts this process runs with.
func extensions(s config.Settings) []string {
	out := []string{
		"generator/" + s.World.Generator,
		"storage/" + s.Storage.Backend,
	}
	if !s.Storage.DisableIndex {
		out = append(out, "index/sqlite")
	}
	return append(out, "transport/websocket", "mode/"+string(s.Mode))
}

func readOr(name string, fallback []byte) []byte {
	b, err := os.ReadFile(name)
	if err != nil {
		return fallback
	}
	return b
}

// motd is re-read on every use so edits apply without a restart.
func motd() string {
	s := strings.TrimSpace(string(readOr("motd.txt", nil)))
	if s == "" {
		return defaultMOTDText
	}
	return s
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

func forwardingSecret(s config.Settings) string {
	if s.Mode == config.ModeVelocity {
		return s.VelocitySecret
	}
	return ""
}
