package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/swarmdrop/swarmdrop/internal/config"
	"github.com/swarmdrop/swarmdrop/internal/device"
	"github.com/swarmdrop/swarmdrop/internal/fileio/sink"
	"github.com/swarmdrop/swarmdrop/internal/fileio/source"
	"github.com/swarmdrop/swarmdrop/internal/identity"
	"github.com/swarmdrop/swarmdrop/internal/observability"
	"github.com/swarmdrop/swarmdrop/internal/overlay"
	"github.com/swarmdrop/swarmdrop/internal/overlay/quicoverlay"
	"github.com/swarmdrop/swarmdrop/internal/pairing"
	"github.com/swarmdrop/swarmdrop/internal/progress"
	"github.com/swarmdrop/swarmdrop/internal/transfer"
	"github.com/swarmdrop/swarmdrop/internal/workerpool"

	"github.com/swarmdrop/swarmdrop/internal/dispatcher"
)

const daemonVersion = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (defaults are used if omitted)")
	listenAddr := flag.String("listen-addr", "", "override the QUIC listen address from the config file")
	observAddr := flag.String("observ-addr", "127.0.0.1:8081", "metrics/health/pprof server address")
	flag.Parse()

	logger := observability.NewLogger("swarmdropd", daemonVersion, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(daemonVersion)
	if shutdown, err := observability.InitTracing(context.Background(), "swarmdropd"); err == nil {
		defer shutdown(context.Background())
	}

	logger.Info("swarmdropd starting")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Fatal(err, "failed to load config")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	logger.Info("configuration loaded")

	passphrase := os.Getenv("SWARMDROP_KEYSTORE_PASSPHRASE")
	ks := identity.NewDiskKeystore(cfg.KeystorePath, passphrase)
	id, err := ks.LoadOrCreate()
	if err != nil {
		logger.Fatal(err, "failed to load or create identity")
	}
	logger = logger.WithPeer(id.PeerID)
	logger.Info("identity loaded")

	store, err := pairing.NewStore(cfg.PairingStorePath)
	if err != nil {
		logger.Fatal(err, "failed to open paired-device store")
	}
	defer store.Close()

	selfOS := overlay.OSInfo{
		Hostname: hostnameOrPeerID(id.PeerID),
		OS:       "linux",
		Platform: "server",
		Arch:     "amd64",
	}

	client, err := quicoverlay.New(quicoverlay.Config{
		SelfPeerID:       id.PeerID,
		ListenAddr:       cfg.ListenAddr,
		AgentVersion:     cfg.AgentVersion,
		Identity:         id,
		RendezvousAddr:   cfg.RendezvousAddr,
		RendezvousPeerID: cfg.RendezvousPeerID,
	})
	if err != nil {
		logger.Fatal(err, "failed to start overlay client")
	}
	defer client.Close()
	logger.Info("overlay listening on " + client.GetAddrs()[0])

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := client.Bootstrap(ctx); err != nil {
		logger.Warn("bootstrap to rendezvous peer failed: " + err.Error())
	}

	pairingMgr := pairing.NewManager(client, store, id.PeerID, selfOS)
	devices := device.New(store)

	pool := workerpool.New(cfg.WorkerCount, cfg.QueueDepth)
	defer pool.Stop()
	srcMgr := source.New(pool, nil)
	sinkMgr := sink.New(pool)

	handoff := &eventsHandoff{}
	isPaired := func(peerID string) bool { return store.IsPaired(peerID) }
	transferMgr := transfer.NewManager(client, srcMgr, sinkMgr, id.PeerID, handoff, isPaired)
	sender := transfer.NewSender(srcMgr)
	receiver := transfer.NewReceiver(client, sinkMgr, pool)

	disp := dispatcher.New(client, devices, pairingMgr, store, transferMgr, sender, receiver, logger, nil, cfg.EventBufferSize, nil)
	handoff.set(disp)

	health.RegisterCheck("overlay_listener", observability.QUICListenerCheck(cfg.ListenAddr))
	health.RegisterCheck("keystore", observability.KeystoreCheck(true))
	health.RegisterCheck("pairing_store", observability.DatabaseCheck(cfg.PairingStorePath))

	go startObservabilityServer(*observAddr, metrics, health, logger)
	go forwardDispatcherEvents(disp, logger)

	go disp.Run(ctx)
	logger.Info("swarmdropd running")
	logger.Info("press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	if err := pairingMgr.AnnounceOffline(context.Background()); err != nil {
		logger.Warn("failed to announce offline: " + err.Error())
	}
	cancel()
	logger.Info("swarmdropd stopped")
}

// eventsHandoff lets transferMgr be constructed before the dispatcher that
// will ultimately receive its progress/completion callbacks exists; set
// installs the real target once the dispatcher is built.
type eventsHandoff struct {
	mu     sync.Mutex
	target transfer.Events
}

func (h *eventsHandoff) set(target transfer.Events) {
	h.mu.Lock()
	h.target = target
	h.mu.Unlock()
}

func (h *eventsHandoff) get() transfer.Events {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.target == nil {
		return transfer.NopEvents{}
	}
	return h.target
}

func (h *eventsHandoff) PrepareProgress(preparedID string, currentFile string, completedFiles, totalFiles int, bytesHashed, totalBytes int64) {
	h.get().PrepareProgress(preparedID, currentFile, completedFiles, totalFiles, bytesHashed, totalBytes)
}

func (h *eventsHandoff) TransferOffer(offer transfer.PendingOffer, displayName string) {
	h.get().TransferOffer(offer, displayName)
}

func (h *eventsHandoff) TransferProgress(snap progress.Snapshot) {
	h.get().TransferProgress(snap)
}

func (h *eventsHandoff) TransferComplete(sessionID [16]byte, direction string, totalBytes int64, elapsedMS int64) {
	h.get().TransferComplete(sessionID, direction, totalBytes, elapsedMS)
}

func (h *eventsHandoff) TransferFailed(sessionID [16]byte, direction string, reason string) {
	h.get().TransferFailed(sessionID, direction, reason)
}

func hostnameOrPeerID(peerID string) string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return shortPeerID(peerID)
}

func shortPeerID(peerID string) string {
	if len(peerID) > 8 {
		return peerID[:8]
	}
	return peerID
}

// forwardDispatcherEvents logs every outbound UI event; a real UI process
// would instead subscribe to disp.Events() itself (over IPC, a local
// socket, or however the desktop shell wires it up).
func forwardDispatcherEvents(disp *dispatcher.Dispatcher, logger *observability.Logger) {
	for ev := range disp.Events() {
		logger.Debug("ui event: " + ev.Name)
	}
}

func startObservabilityServer(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", health.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	srv := &http.Server{Addr: addr, Handler: mux}
	logger.Info("observability server listening on " + addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error(err, "observability server error")
	}
}
