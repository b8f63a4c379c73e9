package network

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/crypto"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// ghostPairing seeds a store with a pairing for a wire-level test peer and
// returns the raw secret.
func ghostPairing(t *testing.T, store *fakeStore, deviceID, deviceName string) []byte {
	t.Helper()
	secret, err := crypto.DeriveSharedSecret("test-passphrase", deviceID, "local")
	if err != nil {
		t.Fatalf("DeriveSharedSecret failed: %v", err)
	}
	err = store.AddPairedDevice(models.PairedDevice{
		DeviceInfo: models.DeviceInfo{
			ID:       deviceID,
			Name:     deviceName,
			Platform: models.PlatformDesktop,
			Version:  "1.0.0",
		},
		SharedSecret: base64.StdEncoding.EncodeToString(secret),
		PairedAt:     time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("seed pairing: %v", err)
	}
	return secret
}

func TestTextRoundTrip(t *testing.T) {
	a := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	b := newTestPeer(t, "bob", models.PlatformDesktop, nil)
	pairPeers(t, a, b, "orange-battery-staple")

	if err := a.manager.SendText("hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}

	select {
	case got := <-b.texts:
		if got != "hello" {
			t.Fatalf("received text = %q", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("text never arrived")
	}

	waitFor(t, 2*time.Second, func() bool { return b.store.transferCount() == 1 })

	sent, ok := a.store.latestTransfer()
	if !ok || sent.Kind != models.TransferText || sent.Direction != models.DirectionSend || sent.Content != "hello" {
		t.Fatalf("sender history entry: %+v", sent)
	}
	if sent.DeviceID != "bob-id" {
		t.Fatalf("sender history device = %q", sent.DeviceID)
	}

	received, ok := b.store.latestTransfer()
	if !ok || received.Kind != models.TransferText || received.Direction != models.DirectionReceive || received.Content != "hello" {
		t.Fatalf("receiver history entry: %+v", received)
	}
	if received.DeviceID != "alice-id" {
		t.Fatalf("receiver history device = %q", received.DeviceID)
	}
}

func TestSmallFileTransfer(t *testing.T) {
	a := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	b := newTestPeer(t, "bob", models.PlatformDesktop, nil)
	pairPeers(t, a, b, "orange-battery-staple")

	// 64 KiB * 4 + 1 byte: five chunks, the last one a single byte.
	source := make([]byte, 262145)
	for i := range source {
		source[i] = byte(i % 251)
	}
	sourcePath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(sourcePath, source, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	ok, err := a.manager.SendFile(sourcePath)
	if err != nil {
		t.Fatalf("SendFile failed: %v", err)
	}
	if !ok {
		t.Fatalf("SendFile resolved false")
	}

	waitFor(t, 5*time.Second, func() bool { return b.store.transferCount() == 1 })

	received, _ := b.store.latestTransfer()
	if received.Kind != models.TransferFile || received.FileSize != 262145 {
		t.Fatalf("receiver history entry: %+v", received)
	}
	if received.FilePath == "" {
		t.Fatalf("receiver history entry has no file path")
	}

	saved, err := os.ReadFile(received.FilePath)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(saved, source) {
		t.Fatalf("saved file differs from source")
	}

	sent, _ := a.store.latestTransfer()
	if sent.Kind != models.TransferFile || sent.Direction != models.DirectionSend || sent.FileSize != 262145 {
		t.Fatalf("sender history entry: %+v", sent)
	}
}

func TestChunkFramingOnWire(t *testing.T) {
	listener, port := rawListen(t)

	a := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	secret := ghostPairing(t, a.store, "ghost-id", "Ghost")

	go func() {
		_ = a.manager.ConnectToDevice(models.DeviceInfo{
			ID: "ghost-id", Name: "Ghost", Host: "127.0.0.1", Port: port,
		})
	}()
	raw := acceptRaw(t, listener)
	waitFor(t, 2*time.Second, func() bool {
		state := a.manager.State()
		return state.Status == StatusConnected && state.Device != nil && state.Device.ID == "ghost-id"
	})

	source := make([]byte, 262145)
	for i := range source {
		source[i] = byte(i % 239)
	}
	sourcePath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(sourcePath, source, 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	sendResult := make(chan bool, 1)
	go func() {
		ok, _ := a.manager.SendFile(sourcePath)
		sendResult <- ok
	}()

	request := raw.next(t, TypeFileRequest, 5*time.Second)
	var requestPayload FileRequestPayload
	if err := request.DecodePayload(&requestPayload); err != nil {
		t.Fatalf("decode file_request: %v", err)
	}
	if requestPayload.FileSize != 262145 || requestPayload.HTTPURL != "" {
		t.Fatalf("file_request payload: %+v", requestPayload)
	}
	if requestPayload.Checksum != crypto.Checksum(source) {
		t.Fatalf("file_request checksum mismatch")
	}

	accept, err := NewMessage(TypeFileAccept, FileAcceptPayload{RequestID: request.ID})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, accept)

	var reassembled []byte
	for index := 0; index < 5; index++ {
		chunkMsg := raw.next(t, TypeFileChunk, 5*time.Second)
		var chunk FileChunkPayload
		if err := chunkMsg.DecodePayload(&chunk); err != nil {
			t.Fatalf("decode chunk: %v", err)
		}
		if chunk.ChunkIndex != index {
			t.Fatalf("chunk index = %d, want %d (ascending order required)", chunk.ChunkIndex, index)
		}
		if chunk.TotalChunks != 5 {
			t.Fatalf("total chunks = %d, want 5", chunk.TotalChunks)
		}

		sealed, err := base64.StdEncoding.DecodeString(chunk.Data)
		if err != nil {
			t.Fatalf("chunk data not base64: %v", err)
		}
		plain, err := crypto.Decrypt(secret, sealed)
		if err != nil {
			t.Fatalf("chunk %d failed to decrypt: %v", index, err)
		}
		if index < 4 && len(plain) != ChunkSize {
			t.Fatalf("chunk %d length = %d, want %d", index, len(plain), ChunkSize)
		}
		if index == 4 && len(plain) != 1 {
			t.Fatalf("final chunk length = %d, want 1", len(plain))
		}
		reassembled = append(reassembled, plain...)
	}

	complete := raw.next(t, TypeFileComplete, 5*time.Second)
	var completePayload FileCompletePayload
	if err := complete.DecodePayload(&completePayload); err != nil {
		t.Fatalf("decode file_complete: %v", err)
	}
	if completePayload.Checksum != crypto.Checksum(source) {
		t.Fatalf("file_complete checksum mismatch")
	}
	if !bytes.Equal(reassembled, source) {
		t.Fatalf("reassembled bytes differ from source")
	}

	// Chunk mode resolves optimistically after file_complete emission.
	select {
	case ok := <-sendResult:
		if !ok {
			t.Fatalf("SendFile resolved false")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("SendFile did not resolve")
	}
}

func TestIntegrityFailureDropsFile(t *testing.T) {
	b := newTestPeer(t, "bob", models.PlatformDesktop, nil)
	secret := ghostPairing(t, b.store, "ghost-id", "Ghost")

	raw := dialRaw(t, b.manager)

	source := make([]byte, 3*ChunkSize)
	for i := range source {
		source[i] = byte(i % 131)
	}
	checksum := crypto.Checksum(source)

	request, err := NewMessage(TypeFileRequest, FileRequestPayload{
		FileName: "tampered.bin",
		FileSize: int64(len(source)),
		MimeType: "application/octet-stream",
		Checksum: checksum,
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, request)
	raw.next(t, TypeFileAccept, 5*time.Second)

	for index := 0; index < 3; index++ {
		chunk := append([]byte(nil), source[index*ChunkSize:(index+1)*ChunkSize]...)
		if index == 1 {
			chunk[100] ^= 0xFF
		}
		sealed, err := crypto.Encrypt(secret, chunk)
		if err != nil {
			t.Fatalf("Encrypt failed: %v", err)
		}
		msg, err := NewMessage(TypeFileChunk, FileChunkPayload{
			RequestID:   request.ID,
			ChunkIndex:  index,
			TotalChunks: 3,
			Data:        base64.StdEncoding.EncodeToString(sealed),
		})
		if err != nil {
			t.Fatalf("NewMessage failed: %v", err)
		}
		raw.send(t, msg)
	}

	complete, err := NewMessage(TypeFileComplete, FileCompletePayload{
		RequestID: request.ID,
		Checksum:  checksum,
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, complete)

	// The mismatch discards the bytes: no file, no history entry.
	time.Sleep(500 * time.Millisecond)
	settings, _ := b.store.Settings()
	if _, err := os.Stat(filepath.Join(settings.SaveDirectory, "tampered.bin")); err == nil {
		t.Fatalf("corrupt file was written to the save directory")
	}
	if b.store.transferCount() != 0 {
		t.Fatalf("integrity failure produced a history entry")
	}
}

func TestSmallFileReceiveFromWire(t *testing.T) {
	b := newTestPeer(t, "bob", models.PlatformDesktop, nil)
	secret := ghostPairing(t, b.store, "ghost-id", "Ghost")

	raw := dialRaw(t, b.manager)

	source := []byte("just one tiny chunk of data")
	request, err := NewMessage(TypeFileRequest, FileRequestPayload{
		FileName: "note.txt",
		FileSize: int64(len(source)),
		MimeType: "text/plain",
		Checksum: crypto.Checksum(source),
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, request)
	raw.next(t, TypeFileAccept, 5*time.Second)

	sealed, err := crypto.Encrypt(secret, source)
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	chunk, err := NewMessage(TypeFileChunk, FileChunkPayload{
		RequestID:   request.ID,
		ChunkIndex:  0,
		TotalChunks: 1,
		Data:        base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, chunk)

	complete, err := NewMessage(TypeFileComplete, FileCompletePayload{
		RequestID: request.ID,
		Checksum:  crypto.Checksum(source),
	})
	if err != nil {
		t.Fatalf("NewMessage failed: %v", err)
	}
	raw.send(t, complete)

	waitFor(t, 5*time.Second, func() bool { return b.store.transferCount() == 1 })

	entry, _ := b.store.latestTransfer()
	if entry.Direction != models.DirectionReceive || entry.DeviceID != "ghost-id" {
		t.Fatalf("receive history entry: %+v", entry)
	}
	saved, err := os.ReadFile(entry.FilePath)
	if err != nil {
		t.Fatalf("read saved file: %v", err)
	}
	if !bytes.Equal(saved, source) {
		t.Fatalf("saved bytes differ")
	}
}

func TestSendFileResolvesFalseOnDisconnect(t *testing.T) {
	listener, port := rawListen(t)

	a := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	ghostPairing(t, a.store, "ghost-id", "Ghost")

	go func() {
		_ = a.manager.ConnectToDevice(models.DeviceInfo{
			ID: "ghost-id", Name: "Ghost", Host: "127.0.0.1", Port: port,
		})
	}()
	raw := acceptRaw(t, listener)
	waitFor(t, 2*time.Second, func() bool {
		state := a.manager.State()
		return state.Status == StatusConnected && state.Device != nil && state.Device.ID == "ghost-id"
	})

	sourcePath := filepath.Join(t.TempDir(), "payload.bin")
	if err := os.WriteFile(sourcePath, bytes.Repeat([]byte("x"), 4096), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	result := make(chan bool, 1)
	go func() {
		ok, _ := a.manager.SendFile(sourcePath)
		result <- ok
	}()

	// The peer sees the request but never accepts; it just drops the link.
	raw.next(t, TypeFileRequest, 5*time.Second)
	_ = raw.conn.Close()

	select {
	case ok := <-result:
		if ok {
			t.Fatalf("SendFile resolved true across a disconnect")
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("SendFile never resolved after disconnect")
	}
}

func TestLargePathThreshold(t *testing.T) {
	listener, port := rawListen(t)

	a := newTestPeer(t, "alice", models.PlatformDesktop, nil)
	ghostPairing(t, a.store, "ghost-id", "Ghost")

	go func() {
		_ = a.manager.ConnectToDevice(models.DeviceInfo{
			ID: "ghost-id", Name: "Ghost", Host: "127.0.0.1", Port: port,
		})
	}()
	raw := acceptRaw(t, listener)
	waitFor(t, 2*time.Second, func() bool {
		state := a.manager.State()
		return state.Status == StatusConnected && state.Device != nil && state.Device.ID == "ghost-id"
	})

	// Exactly at the 5 MiB threshold: MUST use the HTTP offload path.
	sourcePath := filepath.Join(t.TempDir(), "exact.bin")
	if err := os.WriteFile(sourcePath, make([]byte, DefaultLargeFileThreshold), 0o600); err != nil {
		t.Fatalf("write source: %v", err)
	}

	go func() {
		_, _ = a.manager.SendFile(sourcePath)
	}()

	request := raw.next(t, TypeFileRequest, 10*time.Second)
	var payload FileRequestPayload
	if err := request.DecodePayload(&payload); err != nil {
		t.Fatalf("decode file_request: %v", err)
	}
	if payload.HTTPURL == "" {
		t.Fatalf("file at the threshold did not use the HTTP path")
	}

	// Never accepted: drop the connection so the pending send resolves.
	_ = raw.conn.Close()
}
