package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

const (
	// DefaultService is the mDNS service type without domain suffix.
	DefaultService = "_easyshare._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultAdvertiseInterval re-registers the service record to combat
	// missed packets on poorly-behaved networks.
	DefaultAdvertiseInterval = 30 * time.Second
	// DefaultScanInterval is the background browse cadence.
	DefaultScanInterval = 15 * time.Second
	// DefaultScanTimeout bounds each browse operation.
	DefaultScanTimeout = 5 * time.Second
	// DefaultStaleAfter is the age past which a discovered device is dropped.
	DefaultStaleAfter = 30 * time.Second
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls mDNS advertising and scanning.
type Config struct {
	Service           string
	Domain            string
	AdvertiseInterval time.Duration
	ScanInterval      time.Duration
	ScanTimeout       time.Duration
	StaleAfter        time.Duration

	// LocalDevice supplies the TXT fields and listening port.
	LocalDevice models.DeviceInfo

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.AdvertiseInterval <= 0 {
		out.AdvertiseInterval = DefaultAdvertiseInterval
	}
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.StaleAfter <= 0 {
		out.StaleAfter = DefaultStaleAfter
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validate() error {
	if strings.TrimSpace(c.LocalDevice.ID) == "" {
		return errors.New("local device ID is required")
	}
	if strings.TrimSpace(c.LocalDevice.Name) == "" {
		return errors.New("local device name is required")
	}
	return nil
}

// InstanceName builds the unique advertisement instance name for a device.
func InstanceName(deviceID string, at time.Time) string {
	prefix := deviceID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	return "EasyShare-" + prefix + "-" + strconv.FormatInt(at.UnixMilli(), 36)
}

// Advertiser publishes the local device over mDNS, re-registering
// periodically.
type Advertiser struct {
	cfg Config

	mu     sync.Mutex
	server *zeroconf.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartAdvertiser registers the service record and starts the refresh loop.
func StartAdvertiser(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.LocalDevice.Port <= 0 {
		return nil, errors.New("listening port must be > 0")
	}

	a := &Advertiser{cfg: cfg}
	if err := a.register(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.refreshLoop(ctx)

	return a, nil
}

// Stop unregisters the record and stops the refresh loop.
func (a *Advertiser) Stop() {
	if a == nil {
		return
	}
	a.cancel()
	a.wg.Wait()

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
		a.server = nil
	}
}

func (a *Advertiser) register() error {
	txt := []string{
		"id=" + a.cfg.LocalDevice.ID,
		"name=" + a.cfg.LocalDevice.Name,
		"platform=" + a.cfg.LocalDevice.Platform,
		"version=" + a.cfg.LocalDevice.Version,
	}

	instance := InstanceName(a.cfg.LocalDevice.ID, time.Now())
	server, err := a.cfg.registerFn(instance, a.cfg.Service, a.cfg.Domain, a.cfg.LocalDevice.Port, txt, nil)
	if err != nil {
		return fmt.Errorf("register mDNS service: %w", err)
	}

	a.mu.Lock()
	if a.server != nil {
		a.server.Shutdown()
	}
	a.server = server
	a.mu.Unlock()
	return nil
}

func (a *Advertiser) refreshLoop(ctx context.Context) {
	defer a.wg.Done()

	ticker := time.NewTicker(a.cfg.AdvertiseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// A failed refresh keeps the previous registration alive.
			_ = a.register()
		case <-ctx.Done():
			return
		}
	}
}

// Service bundles the advertiser and scanner for one device.
type Service struct {
	Advertiser *Advertiser
	Scanner    *Scanner
}

// Start advertises the local device and begins browsing for peers.
func Start(config Config) (*Service, error) {
	cfg := config.withDefaults()

	advertiser, err := StartAdvertiser(cfg)
	if err != nil {
		return nil, err
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		advertiser.Stop()
		return nil, err
	}
	if err := scanner.Start(); err != nil {
		advertiser.Stop()
		return nil, err
	}

	return &Service{Advertiser: advertiser, Scanner: scanner}, nil
}

// Stop stops scanning and advertising.
func (s *Service) Stop() {
	if s == nil {
		return
	}
	if s.Scanner != nil {
		s.Scanner.Stop()
	}
	if s.Advertiser != nil {
		s.Advertiser.Stop()
	}
}
