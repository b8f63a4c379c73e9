package discovery

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// EventType identifies device list updates.
type EventType string

const (
	// EventDeviceFound is emitted when a device appears or its endpoint
	// changes.
	EventDeviceFound EventType = "device_found"
	// EventDeviceLost is emitted when a device goes stale or disappears.
	EventDeviceLost EventType = "device_lost"
)

// Event carries one discovery update.
type Event struct {
	Type   EventType
	Device models.DiscoveredDevice
}

// Scanner browses for peers and maintains a freshness-tracked device list.
type Scanner struct {
	cfg Config

	browse browseFunc

	mu      sync.RWMutex
	devices map[string]models.DiscoveredDevice

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	browse := cfg.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			return nil, err
		}
		browse = resolver.Browse
	}

	return &Scanner{
		cfg:     cfg,
		browse:  browse,
		devices: make(map[string]models.DiscoveredDevice),
		events:  make(chan Event, 128),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() error {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
	return nil
}

// Stop ends background scanning and closes the event channel.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous device found/lost updates.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Devices returns the current non-stale device list, sorted by name.
func (s *Scanner) Devices() []models.DiscoveredDevice {
	cutoff := time.Now().Add(-s.cfg.StaleAfter).UnixMilli()

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.DiscoveredDevice, 0, len(s.devices))
	for _, device := range s.devices {
		if device.LastSeen < cutoff {
			continue
		}
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ID < out[j].ID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	// Prime the device list immediately.
	s.runScan()

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runScan()
			s.evictStale()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan() {
	scanCtx, cancel := context.WithTimeout(s.ctx, s.cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry := <-entries:
				if entry == nil {
					continue
				}
				device, ok := parseEntry(entry, s.cfg.LocalDevice.ID)
				if !ok {
					continue
				}
				s.upsert(device)
			}
		}
	}()

	if err := s.browse(scanCtx, s.cfg.Service, s.cfg.Domain, entries); err != nil {
		cancel()
		<-collectorDone
		return
	}

	<-scanCtx.Done()
	<-collectorDone
}

func (s *Scanner) upsert(device models.DiscoveredDevice) {
	s.mu.Lock()
	previous, known := s.devices[device.ID]
	s.devices[device.ID] = device
	s.mu.Unlock()

	if !known || previous.Host != device.Host || previous.Port != device.Port || previous.Name != device.Name {
		s.emit(Event{Type: EventDeviceFound, Device: device})
	}
}

func (s *Scanner) evictStale() {
	cutoff := time.Now().Add(-s.cfg.StaleAfter).UnixMilli()

	s.mu.Lock()
	var lost []models.DiscoveredDevice
	for id, device := range s.devices {
		if device.LastSeen < cutoff {
			delete(s.devices, id)
			lost = append(lost, device)
		}
	}
	s.mu.Unlock()

	for _, device := range lost {
		s.emit(Event{Type: EventDeviceLost, Device: device})
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func parseEntry(entry *zeroconf.ServiceEntry, selfDeviceID string) (models.DiscoveredDevice, bool) {
	txt := txtToMap(entry.Text)

	deviceID := strings.TrimSpace(txt["id"])
	if deviceID == "" || deviceID == selfDeviceID {
		return models.DiscoveredDevice{}, false
	}

	name := strings.TrimSpace(txt["name"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}
	if name == "" {
		name = deviceID
	}

	host := preferredHost(entry)
	if host == "" {
		return models.DiscoveredDevice{}, false
	}

	return models.DiscoveredDevice{
		DeviceInfo: models.DeviceInfo{
			ID:       deviceID,
			Name:     name,
			Platform: models.NormalizePlatform(txt["platform"]),
			Version:  strings.TrimSpace(txt["version"]),
			Host:     host,
			Port:     entry.Port,
		},
		LastSeen: time.Now().UnixMilli(),
	}, true
}

// preferredHost picks an IPv4 literal, then IPv6, then falls back to the
// advertised hostname with the .local suffix stripped. Resolution of
// <host>.local is never attempted here.
func preferredHost(entry *zeroconf.ServiceEntry) string {
	for _, ip := range entry.AddrIPv4 {
		if ip != nil && !ip.IsUnspecified() {
			return ip.String()
		}
	}
	for _, ip := range entry.AddrIPv6 {
		if ip != nil && !ip.IsUnspecified() {
			return ip.String()
		}
	}

	host := strings.TrimSuffix(strings.TrimSpace(entry.HostName), ".")
	host = strings.TrimSuffix(host, ".local")
	return host
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, item := range text {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
