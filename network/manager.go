package network

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/storage"
)

// Connection statuses surfaced to the UI.
const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusPairing      = "pairing"
)

const (
	// DefaultConnectTimeout bounds one TCP dial attempt.
	DefaultConnectTimeout = 5 * time.Second
	// DefaultConnectAttempts is the dial retry budget.
	DefaultConnectAttempts = 3
	// DefaultKeepAliveInterval is the application ping cadence.
	DefaultKeepAliveInterval = 5 * time.Second
	// DefaultKeepAliveTimeout drops a silent connection.
	DefaultKeepAliveTimeout = 120 * time.Second
	// DefaultSendGrace keeps the keepalive suppressed after a send while the
	// receiver may still be writing to disk.
	DefaultSendGrace = 120 * time.Second
	// DefaultPairingTimeout bounds pairing silence.
	DefaultPairingTimeout = 30 * time.Second
	// DefaultStaleSocketAfter allows an inbound connection to displace a
	// socket that has produced no frame for this long.
	DefaultStaleSocketAfter = 30 * time.Second
	// DefaultLargeFileThreshold routes files at or above this size through
	// the HTTP offload path.
	DefaultLargeFileThreshold = 5 * 1024 * 1024
	// tcpKeepAlivePeriod is the OS-level keepalive initial delay.
	tcpKeepAlivePeriod = 10 * time.Second
	// reconnectDelay precedes the single foreground auto-reconnect.
	reconnectDelay = 500 * time.Millisecond
)

// ConnectionState is the externally visible connection snapshot.
type ConnectionState struct {
	Status        string             `json:"status"`
	Device        *models.DeviceInfo `json:"device,omitempty"`
	Error         string             `json:"error,omitempty"`
	StatusMessage string             `json:"status_message,omitempty"`
	PairingStep   string             `json:"pairing_step,omitempty"`
}

// Callbacks is the core-to-host event surface.
type Callbacks struct {
	OnConnectionStateChange func(ConnectionState)
	OnTransferProgress      func(*models.TransferProgress)
	OnTransferComplete      func(models.Transfer)
	OnTextReceived          func(content string, from models.DeviceInfo)
	OnPairingRequest        func(from models.DeviceInfo)
}

// AcceptDecision is the incoming-file policy hook signature. from is zero
// when the remote identity is not yet bound.
type AcceptDecision func(from models.DeviceInfo, request FileRequestPayload) bool

// Options configures a Manager.
type Options struct {
	LocalDevice models.DeviceInfo
	Store       storage.Facade
	Callbacks   Callbacks

	// AcceptFile overrides the default incoming-file policy.
	AcceptFile AcceptDecision

	ListenAddress      string
	ConnectTimeout     time.Duration
	ConnectAttempts    int
	KeepAliveInterval  time.Duration
	KeepAliveTimeout   time.Duration
	SendGrace          time.Duration
	PairingTimeout     time.Duration
	StaleSocketAfter   time.Duration
	LargeFileThreshold int64
}

func (o Options) withDefaults() Options {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":0"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.ConnectAttempts <= 0 {
		out.ConnectAttempts = DefaultConnectAttempts
	}
	if out.KeepAliveInterval <= 0 {
		out.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if out.KeepAliveTimeout <= 0 {
		out.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if out.SendGrace <= 0 {
		out.SendGrace = DefaultSendGrace
	}
	if out.PairingTimeout <= 0 {
		out.PairingTimeout = DefaultPairingTimeout
	}
	if out.StaleSocketAfter <= 0 {
		out.StaleSocketAfter = DefaultStaleSocketAfter
	}
	if out.LargeFileThreshold <= 0 {
		out.LargeFileThreshold = DefaultLargeFileThreshold
	}
	return out
}

// Manager owns the single active TCP peer: listener, dispatch, keepalive,
// pairing, and the transfer engine.
type Manager struct {
	options Options

	mu sync.Mutex

	listener net.Listener
	port     int

	conn        net.Conn
	lastInbound time.Time

	remote *models.DeviceInfo
	secret []byte

	pairing *pairingState

	send *activeSend
	recv *activeReceive

	transferActive bool
	sendGraceUntil time.Time

	foreground bool
	lastDevice *models.DeviceInfo

	state   ConnectionState
	stateCh chan ConnectionState

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc

	wg       sync.WaitGroup
	stopOnce sync.Once

	errors chan error
}

// NewManager creates a manager with validated options.
func NewManager(options Options) (*Manager, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	if options.LocalDevice.ID == "" {
		return nil, errors.New("local device ID is required")
	}
	if options.LocalDevice.Name == "" {
		return nil, errors.New("local device name is required")
	}

	m := &Manager{
		options:    options.withDefaults(),
		foreground: true,
		state:      ConnectionState{Status: StatusDisconnected},
		stateCh:    make(chan ConnectionState, 32),
		errors:     make(chan error, 64),
	}
	return m, nil
}

// Start binds the TCP listener and launches the accept, keepalive, and state
// emitter loops. The bound port is available via Port for advertisement.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ctx != nil {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())

	listener, err := net.Listen("tcp", m.options.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", m.options.ListenAddress, err)
	}
	m.listener = listener
	if addr, ok := listener.Addr().(*net.TCPAddr); ok {
		m.port = addr.Port
	}

	m.wg.Add(3)
	go m.acceptLoop()
	go m.keepAliveLoop()
	go m.stateLoop()
	return nil
}

// Stop tears everything down.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		listener := m.listener
		m.mu.Unlock()

		if cancel == nil {
			return
		}
		cancel()
		if listener != nil {
			_ = listener.Close()
		}
		m.Disconnect(true)
		m.wg.Wait()
		close(m.errors)
	})
}

// Port returns the bound TCP listener port.
func (m *Manager) Port() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.port
}

// Errors returns asynchronous manager errors.
func (m *Manager) Errors() <-chan error {
	return m.errors
}

// State returns the current connection snapshot.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ConnectToDevice dials a peer with retry and adopts the connection. A known
// pairing enables the data plane immediately; otherwise pairing must follow.
func (m *Manager) ConnectToDevice(device models.DeviceInfo) error {
	if device.Host == "" || device.Port <= 0 {
		return errors.New("device has no usable endpoint")
	}
	m.mu.Lock()
	started := m.ctx != nil
	m.mu.Unlock()
	if !started {
		return errors.New("manager is not started")
	}

	m.mu.Lock()
	remote := device
	m.lastDevice = &remote
	m.setStateLocked(StatusConnecting, StepConnecting, "")
	m.mu.Unlock()

	address := net.JoinHostPort(device.Host, strconv.Itoa(device.Port))

	var lastErr error
	for attempt := 0; attempt < m.options.ConnectAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-m.ctx.Done():
				return m.ctx.Err()
			}
		}

		conn, err := net.DialTimeout("tcp", address, m.options.ConnectTimeout)
		if err != nil {
			lastErr = err
			continue
		}
		if !m.adoptConn(conn, false) {
			_ = conn.Close()
			return errors.New("another connection became active")
		}
		m.bindKnownPeer(device)
		return nil
	}

	composed := fmt.Errorf("connect to %s failed after %d attempts: %w", address, m.options.ConnectAttempts, lastErr)
	m.mu.Lock()
	m.setStateLocked(StatusDisconnected, "", composed.Error())
	m.mu.Unlock()
	return composed
}

// bindKnownPeer enables the data plane when the dialed device is already
// paired.
func (m *Manager) bindKnownPeer(device models.DeviceInfo) {
	paired, err := m.options.Store.GetPairedDevice(device.ID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			m.reportError(err)
		}
		m.mu.Lock()
		m.setStateLocked(StatusConnected, StepIdle, "")
		m.mu.Unlock()
		return
	}

	secret, err := base64.StdEncoding.DecodeString(paired.SharedSecret)
	if err != nil {
		m.reportError(fmt.Errorf("stored secret for %q is corrupt: %w", device.ID, err))
		m.mu.Lock()
		m.setStateLocked(StatusConnected, StepIdle, "")
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	remote := paired.DeviceInfo
	remote.Host = device.Host
	remote.Port = device.Port
	m.remote = &remote
	m.secret = secret
	m.setStateLocked(StatusConnected, StepIdle, "")
	m.mu.Unlock()

	_ = m.options.Store.TouchPairedDevice(device.ID, time.Now().UnixMilli())
}

// Disconnect tears down the active connection. Idempotent. A user-initiated
// disconnect also clears the auto-reconnect target.
func (m *Manager) Disconnect(userInitiated bool) {
	m.mu.Lock()
	conn := m.conn
	if userInitiated {
		m.lastDevice = nil
	}
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.handleConnClosed(conn, nil)
	}
}

// SetForeground reports app foreground transitions (mobile hosts). Returning
// to the foreground refreshes the keepalive clock and, if the socket died,
// attempts a single reconnect to the last-connected device.
func (m *Manager) SetForeground(foreground bool) {
	m.mu.Lock()
	m.foreground = foreground
	var target *models.DeviceInfo
	if foreground {
		m.lastInbound = time.Now()
		if m.ctx != nil && m.conn == nil && m.lastDevice != nil {
			device := *m.lastDevice
			target = &device
		}
	}
	m.mu.Unlock()

	if target == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		select {
		case <-time.After(reconnectDelay):
		case <-m.ctx.Done():
			return
		}
		m.mu.Lock()
		idle := m.conn == nil
		m.mu.Unlock()
		if idle {
			if err := m.ConnectToDevice(*target); err != nil {
				m.reportError(fmt.Errorf("auto-reconnect: %w", err))
			}
		}
	}()
}

func (m *Manager) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			select {
			case <-m.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			m.reportError(fmt.Errorf("accept connection: %w", err))
			continue
		}

		if !m.adoptConn(conn, true) {
			_ = conn.Close()
		}
	}
}

// adoptConn installs a new socket as the single active peer. An inbound
// connection displaces the current one only if that socket is gone or has
// produced no frame within the stale window.
func (m *Manager) adoptConn(conn net.Conn, inbound bool) bool {
	m.mu.Lock()
	if m.conn != nil {
		stale := time.Since(m.lastInbound) > m.options.StaleSocketAfter
		if inbound && !stale {
			m.mu.Unlock()
			return false
		}
		old := m.conn
		m.mu.Unlock()
		_ = old.Close()
		m.handleConnClosed(old, nil)
		m.mu.Lock()
		if m.conn != nil {
			m.mu.Unlock()
			return false
		}
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetKeepAlive(true)
		_ = tcpConn.SetKeepAlivePeriod(tcpKeepAlivePeriod)
	}

	m.conn = conn
	m.lastInbound = time.Now()
	if inbound {
		m.setStateLocked(StatusConnected, StepIdle, "")
	}
	m.mu.Unlock()

	m.wg.Add(1)
	go m.readLoop(conn)
	return true
}

// readLoop feeds the incremental codec buffer and dispatches whole messages.
func (m *Manager) readLoop(conn net.Conn) {
	defer m.wg.Done()

	var buffer MessageBuffer
	chunk := make([]byte, 32*1024)

	for {
		n, err := conn.Read(chunk)
		if n > 0 {
			m.mu.Lock()
			if m.conn == conn {
				m.lastInbound = time.Now()
			}
			m.mu.Unlock()

			buffer.Append(chunk[:n])
			for {
				msg, parseErr := buffer.Next()
				if parseErr != nil {
					// Oversized or malformed frames are protocol errors:
					// tear down the socket.
					m.reportError(fmt.Errorf("protocol error from peer: %w", parseErr))
					if errMsg, buildErr := NewMessage(TypeError, ErrorPayload{
						Code:    "protocol",
						Message: parseErr.Error(),
					}); buildErr == nil {
						m.sendMessage(errMsg)
					}
					_ = conn.Close()
					m.handleConnClosed(conn, parseErr)
					return
				}
				if msg == nil {
					break
				}
				m.dispatch(conn, msg)
			}
		}
		if err != nil {
			m.handleConnClosed(conn, err)
			return
		}
	}
}

// dispatch routes one inbound frame. Unknown types are ignored for forward
// compatibility.
func (m *Manager) dispatch(conn net.Conn, msg *Message) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()

	switch msg.Type {
	case TypePing:
		pong := Message{ID: msg.ID, Type: TypePong, Timestamp: time.Now().UnixMilli()}
		m.sendMessage(pong)
	case TypePong:
		// lastInbound was already refreshed by the read loop.
	case TypePairRequest, TypePairChallenge, TypePairResponse, TypePairConfirm, TypePairReject:
		m.handlePairMessage(msg)
	case TypeText:
		m.handleText(msg)
	case TypeFileRequest:
		m.handleFileRequest(msg)
	case TypeFileAccept:
		m.handleFileAccept(msg)
	case TypeFileReject:
		m.handleFileReject(msg)
	case TypeFileChunk:
		m.handleFileChunk(msg)
	case TypeFileComplete:
		m.handleFileComplete(msg)
	case TypeFileAck:
		m.handleFileAck(msg)
	case TypeError:
		var payload ErrorPayload
		if err := msg.DecodePayload(&payload); err == nil {
			m.reportError(fmt.Errorf("peer error [%s]: %s", payload.Code, payload.Message))
		}
	}
}

// sendMessage serializes one message onto the socket. It silently no-ops when
// the socket is gone and never propagates write failures into handlers.
func (m *Manager) sendMessage(msg Message) {
	m.mu.Lock()
	conn := m.conn
	m.mu.Unlock()
	if conn == nil {
		return
	}

	m.writeMu.Lock()
	err := WriteMessage(conn, msg)
	m.writeMu.Unlock()
	if err != nil {
		m.reportError(fmt.Errorf("send %s: %w", msg.Type, err))
	}
}

func (m *Manager) keepAliveLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.options.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.keepAliveTick()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) keepAliveTick() {
	m.mu.Lock()
	conn := m.conn
	if conn == nil {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	suppressed := m.transferActive || now.Before(m.sendGraceUntil) || !m.foreground
	expired := now.Sub(m.lastInbound) > m.options.KeepAliveTimeout

	var expiredPairing *pairingState
	if m.pairing != nil && m.pairing.expired(now) {
		expiredPairing = m.pairing
	}
	m.mu.Unlock()

	if expiredPairing != nil {
		m.failPairing(expiredPairing, "pairing timed out")
	}

	ping, err := NewMessage(TypePing, nil)
	if err == nil {
		m.sendMessage(ping)
	}

	if !suppressed && expired {
		m.reportError(fmt.Errorf("keepalive timeout after %s", m.options.KeepAliveTimeout))
		_ = conn.Close()
		m.handleConnClosed(conn, errors.New("keepalive timeout"))
	}
}

// handleConnClosed performs the idempotent per-connection teardown: pending
// transfer state is cleared, temp files unlinked, HTTP servers shut down, and
// any outstanding SendFile resolves false exactly once.
func (m *Manager) handleConnClosed(conn net.Conn, cause error) {
	m.mu.Lock()
	if m.conn != conn {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.remote = nil
	m.secret = nil
	m.pairing = nil

	send := m.send
	recv := m.recv
	m.send = nil
	m.recv = nil
	m.transferActive = false
	m.sendGraceUntil = time.Time{}

	errText := ""
	if cause != nil && !errors.Is(cause, net.ErrClosed) {
		errText = cause.Error()
	}
	m.setStateLocked(StatusDisconnected, "", errText)
	m.mu.Unlock()

	if send != nil {
		send.cleanup()
		send.resolve(false)
	}
	if recv != nil {
		recv.cleanup()
	}
	m.emitProgress(nil)
}

// setStateLocked updates the snapshot and queues the state callback. Caller
// holds m.mu.
func (m *Manager) setStateLocked(status, step, errText string) {
	state := ConnectionState{
		Status:      status,
		PairingStep: step,
		Error:       errText,
	}
	if m.remote != nil {
		device := *m.remote
		state.Device = &device
	} else if m.lastDevice != nil && status != StatusDisconnected {
		device := *m.lastDevice
		state.Device = &device
	}
	m.state = state

	select {
	case m.stateCh <- state:
	default:
	}
}

// stateLoop delivers connection state callbacks in order.
func (m *Manager) stateLoop() {
	defer m.wg.Done()

	for {
		select {
		case state := <-m.stateCh:
			if handler := m.options.Callbacks.OnConnectionStateChange; handler != nil {
				handler(state)
			}
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Manager) emitProgress(progress *models.TransferProgress) {
	if handler := m.options.Callbacks.OnTransferProgress; handler != nil {
		handler(progress)
	}
}

func (m *Manager) emitComplete(transfer models.Transfer) {
	if err := m.options.Store.AddTransfer(transfer); err != nil {
		m.reportError(fmt.Errorf("persist transfer %q: %w", transfer.ID, err))
	}
	if handler := m.options.Callbacks.OnTransferComplete; handler != nil {
		handler(transfer)
	}
}

func (m *Manager) reportError(err error) {
	if err == nil {
		return
	}
	select {
	case m.errors <- err:
	default:
	}
}
