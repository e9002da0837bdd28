// Package discovery announces this device on the local network over mDNS and
// browses for other instances. Discovery yields connection hints only; trust
// is decided by pairing, never by presence on the network.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/clipberry/clipberry/internal/logging"
)

const (
	serviceType = "_clipberry._tcp"
	domain      = "local."

	browseTimeout  = 5 * time.Second
	browseInterval = 5 * time.Second
)

// Hint is a device seen on the network: enough to dial it, nothing more.
type Hint struct {
	DeviceID   string
	DeviceName string
	IP         string
	Port       int
}

// HintHandler receives each newly discovered or refreshed device.
type HintHandler func(Hint)

// Service registers this device with mDNS and runs a periodic browse loop.
type Service struct {
	deviceID   string
	deviceName string
	port       int
	onHint     HintHandler
	logger     logging.Logger

	mu         sync.Mutex
	server     *zeroconf.Server
	discovered map[string]Hint
	cancel     context.CancelFunc
	done       chan struct{}
}

func NewService(deviceID, deviceName string, port int, onHint HintHandler, logger logging.Logger) *Service {
	return &Service{
		deviceID:   deviceID,
		deviceName: deviceName,
		port:       port,
		onHint:     onHint,
		logger:     logger.With("module", "discovery"),
		discovered: make(map[string]Hint),
	}
}

// Start registers the mDNS service and launches the browse loop.
func (s *Service) Start(ctx context.Context) error {
	server, err := zeroconf.Register(
		s.deviceName,
		serviceType,
		domain,
		s.port,
		[]string{
			"device_id=" + s.deviceID,
			"device_name=" + s.deviceName,
		},
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register mdns service: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	s.server = server
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info(ctx, "announcing", "service", serviceType, "port", s.port)

	go s.browseLoop(loopCtx)
	return nil
}

// Stop unregisters the service and waits for the browse loop to exit.
func (s *Service) Stop() {
	s.mu.Lock()
	server, cancel, done := s.server, s.cancel, s.done
	s.server = nil
	s.cancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	if server != nil {
		server.Shutdown()
	}
}

// Devices returns a snapshot of everything discovered so far.
func (s *Service) Devices() []Hint {
	s.mu.Lock()
	defer s.mu.Unlock()

	hints := make([]Hint, 0, len(s.discovered))
	for _, h := range s.discovered {
		hints = append(hints, h)
	}
	return hints
}

func (s *Service) browseLoop(ctx context.Context) {
	defer close(s.done)

	for {
		s.browseOnce(ctx)

		select {
		case <-ctx.Done():
			s.logger.Info(ctx, "browse loop stopped")
			return
		case <-time.After(browseInterval):
		}
	}
}

// browseOnce runs a single bounded browse pass and records every peer entry.
func (s *Service) browseOnce(ctx context.Context) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		s.logger.Warn(ctx, "failed to create mdns resolver", "error", err)
		return
	}

	browseCtx, cancel := context.WithTimeout(ctx, browseTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 16)
	collected := make(chan struct{})

	go func() {
		defer close(collected)
		for entry := range entries {
			s.handleEntry(ctx, entry)
		}
	}()

	if err := resolver.Browse(browseCtx, serviceType, domain, entries); err != nil {
		s.logger.Warn(ctx, "mdns browse failed", "error", err)
		return
	}

	<-browseCtx.Done()
	<-collected
}

func (s *Service) handleEntry(ctx context.Context, entry *zeroconf.ServiceEntry) {
	if entry == nil {
		return
	}

	txt := parseTXT(entry.Text)
	deviceID := txt["device_id"]
	if deviceID == "" || deviceID == s.deviceID {
		return
	}

	var ip string
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0].String()
	default:
		s.logger.Debug(ctx, "entry without address", "instance", entry.Instance)
		return
	}

	name := txt["device_name"]
	if name == "" {
		name = entry.Instance
	}

	hint := Hint{
		DeviceID:   deviceID,
		DeviceName: name,
		IP:         ip,
		Port:       entry.Port,
	}

	s.mu.Lock()
	prev, seen := s.discovered[deviceID]
	s.discovered[deviceID] = hint
	s.mu.Unlock()

	if !seen || prev != hint {
		s.logger.Info(ctx, "device discovered",
			"device_id", deviceID, "name", name, "address", ip, "port", entry.Port)
	}

	if s.onHint != nil {
		s.onHint(hint)
	}
}

// parseTXT converts zeroconf TXT records into a key/value map.
func parseTXT(records []string) map[string]string {
	values := make(map[string]string, len(records))
	for _, record := range records {
		if record == "" {
			continue
		}
		if eq := strings.IndexByte(record, '='); eq >= 0 {
			key := strings.TrimSpace(record[:eq])
			if key != "" {
				values[key] = strings.TrimSpace(record[eq+1:])
			}
			continue
		}
		values[strings.TrimSpace(record)] = ""
	}
	return values
}
