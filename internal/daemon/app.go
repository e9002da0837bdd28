// Package daemon initializes and runs the clipboard sync daemon. It wires
// identity, storage, pairing, transport, discovery and the sync engine
// together, and handles signal-driven graceful shutdown.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/clipberry/clipberry/internal/blob"
	"github.com/clipberry/clipberry/internal/clipboard"
	"github.com/clipberry/clipberry/internal/config"
	"github.com/clipberry/clipberry/internal/discovery"
	"github.com/clipberry/clipberry/internal/identity"
	"github.com/clipberry/clipberry/internal/logging"
	"github.com/clipberry/clipberry/internal/model"
	"github.com/clipberry/clipberry/internal/pairing"
	"github.com/clipberry/clipberry/internal/storage"
	"github.com/clipberry/clipberry/internal/syncer"
	"github.com/clipberry/clipberry/internal/transport"
)

type App struct {
	config *config.Config
	logger logging.Logger
	clip   clipboard.Clipboard
}

// NewApp builds the application around cfg. clip may be nil, in which case a
// headless in-memory clipboard is used.
func NewApp(cfg *config.Config, clip clipboard.Clipboard) *App {
	slogger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger := logging.NewSlogLogger(slogger)

	if clip == nil {
		clip = clipboard.NewMemory()
	}

	return &App{config: cfg, logger: logger, clip: clip}
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

// Run starts every component and blocks until the context is cancelled or a
// signal arrives, then shuts down in reverse order of startup.
func (app *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	app.logger.Info(ctx, "starting clipberry daemon")

	app.initSignalHandler(cancel)

	cfg := app.config

	// Identity first. Failing to load existing key material is fatal:
	// regenerating would silently break trust with every paired peer.
	ident := identity.New(cfg.CertDir(), cfg.DeviceID, cfg.DeviceName)
	if err := ident.Initialize(); err != nil {
		return fmt.Errorf("identity init error: %w", err)
	}

	// The certificate is authoritative for the device identity from the
	// second start onward.
	deviceID := ident.DeviceID()
	deviceName := ident.DeviceName()
	app.logger.Info(ctx, "device identity ready",
		"device_id", deviceID, "name", deviceName, "fingerprint", ident.Fingerprint())

	ledger, err := storage.InitDatabase(ctx, cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("db init error: %w", err)
	}
	defer func() {
		if err := ledger.Close(); err != nil {
			app.logger.Error(ctx, "failed to close database", "error", err)
		}
	}()

	blobs, err := blob.NewStore(cfg.BlobDir())
	if err != nil {
		return fmt.Errorf("blob store init error: %w", err)
	}

	registry := transport.NewRegistry(app.logger)

	tokens := pairing.NewManager(deviceID, deviceName, cfg.TokenSweepInterval, app.logger)
	tokens.Start(ctx)
	defer tokens.Stop()

	workflow := pairing.NewWorkflow(tokens, ledger.Devices, app.logger)

	var service *syncer.Service
	onItem := func(ctx context.Context, item model.ClipboardItem, blobData []byte, senderID string) {
		service.HandleRemoteItem(ctx, item, blobData, senderID)
	}
	onHello := func(ctx context.Context, h transport.Hello) error {
		return service.HandleHello(ctx, h)
	}

	dialer := transport.NewDialer(deviceID, deviceName, ident.ClientTLSConfig(),
		registry, onItem, app.logger)

	service = syncer.NewService(syncer.Options{
		DeviceID: deviceID,
		Policy: syncer.Policy{
			SyncText:    cfg.SyncText,
			SyncImages:  cfg.SyncImages,
			MaxItemSize: cfg.MaxItemSize,
		},
		TokenTTL: cfg.TokenTTL,
		Items:    ledger.Items,
		Devices:  ledger.Devices,
		Blobs:    blobs,
		Registry: registry,
		Dialer:   dialer,
		Pairing:  workflow,
		Tokens:   tokens,
		Clip:     app.clip,
		Logger:   app.logger,
	})
	service.SetSyncEnabled(cfg.SyncEnabled)

	server := transport.NewServer(cfg.ListenAddr, deviceID, deviceName,
		ident.ServerTLSConfig(), registry, onHello, onItem, app.logger)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Run(ctx); err != nil {
			app.logger.Error(ctx, "transport server failed", "error", err)
			cancel()
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := service.Run(ctx); err != nil {
			app.logger.Error(ctx, "sync engine failed", "error", err)
			cancel()
		}
	}()

	pinger := transport.NewPinger(registry, cfg.PingInterval, app.logger)
	pinger.Start(ctx)
	defer pinger.Stop()

	if cfg.DiscoveryEnabled {
		disco := discovery.NewService(deviceID, deviceName, listenPort(cfg.ListenAddr), nil, app.logger)
		if err := disco.Start(ctx); err != nil {
			// Discovery is best effort; manual connects still work.
			app.logger.Warn(ctx, "discovery unavailable", "error", err)
		} else {
			defer disco.Stop()
		}
	}

	app.logger.Info(ctx, "daemon running", "address", cfg.ListenAddr)

	<-ctx.Done()
	app.logger.Info(ctx, "shutting down")

	wg.Wait()
	return nil
}

// listenPort extracts the port number from a listen address like ":9876".
func listenPort(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}
