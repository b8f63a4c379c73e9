package network

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

func TestPingPongEchoesID(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	raw := dialRaw(t, peer.manager)

	ping, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, ping)

	pong := raw.next(t, TypePong, 2*time.Second)
	if pong.ID != ping.ID {
		t.Fatalf("pong id = %q, want ping id %q", pong.ID, ping.ID)
	}
}

func TestUnknownMessageTypeIgnored(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	raw := dialRaw(t, peer.manager)

	future := Message{ID: "x", Type: "future_thing", Timestamp: time.Now().UnixMilli()}
	raw.send(t, future)

	ping, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, ping)

	if pong := raw.next(t, TypePong, 2*time.Second); pong.ID != ping.ID {
		t.Fatalf("connection unusable after unknown type")
	}
}

func TestOversizedFrameTearsDownConnection(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	raw := dialRaw(t, peer.manager)

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header, MaxFrameSize+1)
	if _, err := raw.conn.Write(header); err != nil {
		t.Fatalf("write oversized header: %v", err)
	}

	// The manager reports the cause with a best-effort error frame, then
	// closes the socket.
	errMsg := raw.next(t, TypeError, 2*time.Second)
	var errPayload ErrorPayload
	if err := errMsg.DecodePayload(&errPayload); err != nil || errPayload.Code != "protocol" {
		t.Fatalf("error frame = %+v, %v; want code protocol", errPayload, err)
	}

	if err := raw.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := raw.conn.Read(buf); err == nil {
		t.Fatalf("expected socket teardown after oversized frame")
	}

	waitFor(t, 2*time.Second, func() bool {
		return peer.manager.State().Status == StatusDisconnected
	})
}

func TestSecondInboundConnectionRefused(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, nil)

	first := dialRaw(t, peer.manager)
	ping, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	first.send(t, ping)
	first.next(t, TypePong, 2*time.Second)

	second := dialRaw(t, peer.manager)
	if err := second.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	buf := make([]byte, 1)
	if _, err := second.conn.Read(buf); err != io.EOF {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			t.Fatalf("second connection was not refused")
		}
		if err == nil {
			t.Fatalf("second connection was not refused")
		}
	}

	// The first connection keeps working.
	ping2, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	first.send(t, ping2)
	first.next(t, TypePong, 2*time.Second)
}

func TestStaleSocketDisplaced(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, func(o *Options) {
		o.StaleSocketAfter = 100 * time.Millisecond
	})

	first := dialRaw(t, peer.manager)
	ping, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	first.send(t, ping)
	first.next(t, TypePong, 2*time.Second)

	// Let the first socket go silent past the stale window.
	time.Sleep(250 * time.Millisecond)

	second := dialRaw(t, peer.manager)
	ping2, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	second.send(t, ping2)
	if pong := second.next(t, TypePong, 2*time.Second); pong.ID != ping2.ID {
		t.Fatalf("displacing connection did not become active")
	}

	// The displaced socket is closed.
	if err := first.conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("set deadline: %v", err)
	}
	for {
		buf := make([]byte, 1024)
		if _, err := first.conn.Read(buf); err != nil {
			break
		}
	}
}

func TestKeepAliveTimeoutDisconnects(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, func(o *Options) {
		o.KeepAliveInterval = 50 * time.Millisecond
		o.KeepAliveTimeout = 300 * time.Millisecond
	})

	raw := dialRaw(t, peer.manager)
	ping, err := NewMessage(TypePing, nil)
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, ping)
	raw.next(t, TypePong, 2*time.Second)

	// Stay silent; the manager keeps pinging and then drops the socket.
	waitFor(t, 3*time.Second, func() bool {
		return peer.manager.State().Status == StatusDisconnected
	})
}

func TestKeepAliveSurvivesWithTraffic(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, func(o *Options) {
		o.KeepAliveInterval = 50 * time.Millisecond
		o.KeepAliveTimeout = 300 * time.Millisecond
	})

	raw := dialRaw(t, peer.manager)
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		ping, err := NewMessage(TypePing, nil)
		if err != nil {
			t.Fatalf("NewMessage failed: %v", err)
		}
		raw.send(t, ping)
		raw.next(t, TypePong, 2*time.Second)
		time.Sleep(50 * time.Millisecond)
	}

	if got := peer.manager.State().Status; got != StatusConnected {
		t.Fatalf("status = %q after continuous traffic, want connected", got)
	}
}

func TestConnectToDeviceRetriesAndComposesError(t *testing.T) {
	peer := newTestPeer(t, "alice", models.PlatformDesktop, func(o *Options) {
		o.ConnectTimeout = 200 * time.Millisecond
		o.ConnectAttempts = 2
	})

	// A listener that is immediately closed yields connection refused.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	start := time.Now()
	err = peer.manager.ConnectToDevice(models.DeviceInfo{
		ID: "ghost", Name: "Ghost", Host: "127.0.0.1", Port: port,
	})
	if err == nil {
		t.Fatalf("expected terminal connect error")
	}
	// Attempt 0 + 1s backoff + attempt 1.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Fatalf("retry backoff not applied, finished in %v", elapsed)
	}
	if got := peer.manager.State(); got.Status != StatusDisconnected || got.Error == "" {
		t.Fatalf("state after failed connect: %+v", got)
	}
}

func TestDisconnectIdempotent(t *testing.T) {
	a := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	b := newTestPeer(t, "bob", models.PlatformDesktop, nil)

	if err := a.manager.ConnectToDevice(b.device); err != nil {
		t.Fatalf("ConnectToDevice failed: %v", err)
	}

	a.manager.Disconnect(true)
	a.manager.Disconnect(true)

	if got := a.manager.State().Status; got != StatusDisconnected {
		t.Fatalf("status = %q after disconnect", got)
	}
}
