package network

import (
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/storage"
)

// fakeStore is an in-memory Facade for manager tests.
type fakeStore struct {
	mu        sync.Mutex
	settings  models.AppSettings
	devices   map[string]models.PairedDevice
	transfers []models.Transfer
}

func newFakeStore(saveDir string) *fakeStore {
	return &fakeStore{
		settings: models.AppSettings{
			DeviceName:           "test device",
			DeviceID:             "test-device-id",
			SaveDirectory:        saveDir,
			NotificationsEnabled: true,
		},
		devices: make(map[string]models.PairedDevice),
	}
}

func (f *fakeStore) Settings() (models.AppSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings, nil
}

func (f *fakeStore) UpdateSettings(patch models.SettingsPatch) (models.AppSettings, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if patch.DeviceName != nil {
		f.settings.DeviceName = *patch.DeviceName
	}
	if patch.AutoAcceptFromPaired != nil {
		f.settings.AutoAcceptFromPaired = *patch.AutoAcceptFromPaired
	}
	if patch.SaveDirectory != nil {
		f.settings.SaveDirectory = *patch.SaveDirectory
	}
	if patch.NotificationsEnabled != nil {
		f.settings.NotificationsEnabled = *patch.NotificationsEnabled
	}
	return f.settings, nil
}

func (f *fakeStore) PairedDevices() ([]models.PairedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.PairedDevice, 0, len(f.devices))
	for _, device := range f.devices {
		out = append(out, device)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) GetPairedDevice(deviceID string) (*models.PairedDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[deviceID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &device, nil
}

func (f *fakeStore) AddPairedDevice(device models.PairedDevice) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.devices[device.ID] = device
	return nil
}

func (f *fakeStore) RemovePairedDevice(deviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[deviceID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.devices, deviceID)
	return nil
}

func (f *fakeStore) TouchPairedDevice(deviceID string, connectedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	device, ok := f.devices[deviceID]
	if !ok {
		return storage.ErrNotFound
	}
	device.LastConnected = &connectedAt
	f.devices[deviceID] = device
	return nil
}

func (f *fakeStore) Transfers() ([]models.Transfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Transfer, len(f.transfers))
	copy(out, f.transfers)
	return out, nil
}

func (f *fakeStore) AddTransfer(transfer models.Transfer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = append([]models.Transfer{transfer}, f.transfers...)
	if len(f.transfers) > storage.HistoryLimit {
		f.transfers = f.transfers[:storage.HistoryLimit]
	}
	return nil
}

func (f *fakeStore) ClearTransfers() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transfers = nil
	return nil
}

func (f *fakeStore) transferCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.transfers)
}

func (f *fakeStore) latestTransfer() (models.Transfer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.transfers) == 0 {
		return models.Transfer{}, false
	}
	return f.transfers[0], true
}

type testPeer struct {
	manager      *Manager
	store        *fakeStore
	device       models.DeviceInfo
	pairRequests chan models.DeviceInfo
	texts        chan string
}

func newTestPeer(t *testing.T, name, platform string, tweak func(*Options)) *testPeer {
	t.Helper()

	store := newFakeStore(t.TempDir())
	device := models.DeviceInfo{
		ID:       name + "-id",
		Name:     name,
		Platform: platform,
		Version:  "1.0.0",
	}

	peer := &testPeer{
		store:        store,
		pairRequests: make(chan models.DeviceInfo, 4),
		texts:        make(chan string, 16),
	}

	options := Options{
		LocalDevice: device,
		Store:       store,
		Callbacks: Callbacks{
			OnPairingRequest: func(from models.DeviceInfo) {
				peer.pairRequests <- from
			},
			OnTextReceived: func(content string, from models.DeviceInfo) {
				peer.texts <- content
			},
		},
	}
	if tweak != nil {
		tweak(&options)
	}

	manager, err := NewManager(options)
	if err != nil {
		t.Fatalf("NewManager(%s) failed: %v", name, err)
	}
	if err := manager.Start(); err != nil {
		t.Fatalf("Start(%s) failed: %v", name, err)
	}
	t.Cleanup(manager.Stop)

	device.Host = "127.0.0.1"
	device.Port = manager.Port()
	peer.manager = manager
	peer.device = device
	return peer
}

// answerPairing supplies the responder's passphrase when its UI is prompted.
func answerPairing(t *testing.T, peer *testPeer, passphrase string) {
	t.Helper()
	go func() {
		select {
		case <-peer.pairRequests:
			if err := peer.manager.ProvidePassphrase(passphrase); err != nil {
				t.Errorf("ProvidePassphrase failed: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Errorf("no pairing request arrived")
		}
	}()
}

// pairPeers runs a full passphrase handshake between two live managers.
func pairPeers(t *testing.T, a, b *testPeer, passphrase string) {
	t.Helper()

	answerPairing(t, b, passphrase)

	if err := a.manager.ConnectToDevice(b.device); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}
	if err := a.manager.StartPairing(passphrase); err != nil {
		t.Fatalf("StartPairing failed: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return a.manager.State().Status == StatusConnected &&
			a.manager.State().PairingStep == StepSuccess &&
			b.manager.State().PairingStep == StepSuccess
	})
}

func waitFor(t *testing.T, timeout time.Duration, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// rawPeer speaks the framed wire protocol directly against a manager.
type rawPeer struct {
	conn   net.Conn
	buffer MessageBuffer
}

// rawListen opens a plain TCP listener a manager can ConnectToDevice at.
func rawListen(t *testing.T) (net.Listener, int) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("raw listen: %v", err)
	}
	t.Cleanup(func() {
		_ = listener.Close()
	})
	return listener, listener.Addr().(*net.TCPAddr).Port
}

func acceptRaw(t *testing.T, listener net.Listener) *rawPeer {
	t.Helper()
	if deadliner, ok := listener.(*net.TCPListener); ok {
		_ = deadliner.SetDeadline(time.Now().Add(5 * time.Second))
	}
	conn, err := listener.Accept()
	if err != nil {
		t.Fatalf("raw accept: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &rawPeer{conn: conn}
}

func dialRaw(t *testing.T, m *Manager) *rawPeer {
	t.Helper()
	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(m.Port())))
	if err != nil {
		t.Fatalf("dial manager: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return &rawPeer{conn: conn}
}

func (p *rawPeer) send(t *testing.T, msg Message) {
	t.Helper()
	if err := WriteMessage(p.conn, msg); err != nil {
		t.Fatalf("raw send %s: %v", msg.Type, err)
	}
}

// next reads frames until a message of the wanted type arrives or the
// deadline passes. Pass "" to accept any type.
func (p *rawPeer) next(t *testing.T, wantType string, timeout time.Duration) *Message {
	t.Helper()
	deadline := time.Now().Add(timeout)
	chunk := make([]byte, 32*1024)
	for {
		for {
			msg, err := p.buffer.Next()
			if err != nil {
				t.Fatalf("raw parse: %v", err)
			}
			if msg == nil {
				break
			}
			if wantType == "" || msg.Type == wantType {
				return msg
			}
		}

		if err := p.conn.SetReadDeadline(deadline); err != nil {
			t.Fatalf("set deadline: %v", err)
		}
		n, err := p.conn.Read(chunk)
		if n > 0 {
			p.buffer.Append(chunk[:n])
			continue
		}
		if err != nil {
			t.Fatalf("raw read waiting for %q: %v", wantType, err)
		}
	}
}
