package network

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/crypto"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

// Active send variants.
const (
	sendSmall      = "small"
	sendLargeChunk = "large_chunk"
	sendLargeHTTP  = "large_http"
	sendLargeUp    = "large_upload"
)

// Active receive variants.
const (
	recvSmall        = "small"
	recvStreamChunk  = "streaming_chunk"
	recvHTTPDownload = "http_download"
	recvHTTPUpload   = "http_upload"
)

// streamBatchSize batches streamed chunk writes to amortize I/O crossings.
const streamBatchSize = 512 * 1024

// activeSend is the tagged state for one outbound file transfer.
type activeSend struct {
	kind      string
	requestID string

	fileName string
	fileSize int64
	mimeType string
	checksum string

	data []byte // small
	path string

	bytesSent int64
	startedAt time.Time

	httpServer *transferServer // large_http

	result      chan bool
	resolveOnce sync.Once
}

func (s *activeSend) resolve(ok bool) {
	s.resolveOnce.Do(func() {
		s.result <- ok
	})
}

func (s *activeSend) cleanup() {
	if s.httpServer != nil {
		s.httpServer.Shutdown()
		s.httpServer = nil
	}
}

// activeReceive is the tagged state for one inbound file transfer.
type activeReceive struct {
	kind      string
	requestID string

	fileName string
	fileSize int64
	mimeType string
	checksum string

	from models.DeviceInfo

	chunks         map[int][]byte // small
	chunksReceived int

	tempPath     string // streaming_chunk, http paths
	file         *os.File
	hasher       *crypto.ChecksumWriter
	pending      []byte
	bytesWritten int64

	httpServer *transferServer // http_upload

	startedAt time.Time
}

func (r *activeReceive) cleanup() {
	if r.httpServer != nil {
		r.httpServer.Shutdown()
		r.httpServer = nil
	}
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if r.tempPath != "" {
		_ = os.Remove(r.tempPath)
	}
}

// SendText emits one text message and records the send history entry without
// waiting for acknowledgement.
func (m *Manager) SendText(content string) error {
	m.mu.Lock()
	secret := m.secret
	remote := m.remote
	conn := m.conn
	m.mu.Unlock()

	if conn == nil {
		return errors.New("no active connection")
	}
	if secret == nil || remote == nil {
		return errors.New("peer is not paired")
	}

	sealed, err := crypto.Encrypt(secret, []byte(content))
	if err != nil {
		return err
	}
	msg, err := NewMessage(TypeText, TextPayload{Content: base64.StdEncoding.EncodeToString(sealed)})
	if err != nil {
		return err
	}
	m.sendMessage(msg)

	m.emitComplete(models.Transfer{
		ID:         uuid.NewString(),
		Kind:       models.TransferText,
		Timestamp:  time.Now().UnixMilli(),
		Direction:  models.DirectionSend,
		DeviceID:   remote.ID,
		DeviceName: remote.Name,
		Content:    content,
	})
	return nil
}

func (m *Manager) handleText(msg *Message) {
	var payload TextPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(payload.Content)
	if err != nil {
		m.reportError(fmt.Errorf("text payload is not base64: %w", err))
		return
	}

	remote, plaintext := m.openFromPeer(sealed)
	if remote == nil {
		m.reportError(errors.New("text from unpaired peer dropped"))
		return
	}

	content := string(plaintext)
	m.emitComplete(models.Transfer{
		ID:         uuid.NewString(),
		Kind:       models.TransferText,
		Timestamp:  time.Now().UnixMilli(),
		Direction:  models.DirectionReceive,
		DeviceID:   remote.ID,
		DeviceName: remote.Name,
		Content:    content,
	})
	if handler := m.options.Callbacks.OnTextReceived; handler != nil {
		handler(content, *remote)
	}
}

// openFromPeer decrypts a sealed payload with the bound peer secret. When no
// peer is bound yet (inbound connection from a previously paired device), it
// tries each stored pairing; a successful authenticated open binds the peer.
func (m *Manager) openFromPeer(sealed []byte) (*models.DeviceInfo, []byte) {
	m.mu.Lock()
	secret := m.secret
	remote := m.remote
	m.mu.Unlock()

	if secret != nil && remote != nil {
		plaintext, err := crypto.Decrypt(secret, sealed)
		if err != nil {
			return nil, nil
		}
		return remote, plaintext
	}

	devices, err := m.options.Store.PairedDevices()
	if err != nil {
		m.reportError(err)
		return nil, nil
	}
	for _, device := range devices {
		candidate, err := base64.StdEncoding.DecodeString(device.SharedSecret)
		if err != nil {
			continue
		}
		plaintext, err := crypto.Decrypt(candidate, sealed)
		if err != nil {
			continue
		}

		m.mu.Lock()
		bound := device.DeviceInfo
		m.remote = &bound
		m.secret = candidate
		m.lastDevice = &bound
		m.setStateLocked(StatusConnected, StepIdle, "")
		m.mu.Unlock()
		_ = m.options.Store.TouchPairedDevice(device.ID, time.Now().UnixMilli())
		return &bound, plaintext
	}
	return nil, nil
}

// SendFile transfers one file to the connected peer, blocking until the
// transfer reaches a terminal state. It reports true only on success; a
// disconnect resolves false.
func (m *Manager) SendFile(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, fmt.Errorf("stat source file: %w", err)
	}
	if info.IsDir() {
		return false, errors.New("source path must be a file")
	}

	m.mu.Lock()
	if m.conn == nil {
		m.mu.Unlock()
		return false, errors.New("no active connection")
	}
	if m.secret == nil || m.remote == nil {
		m.mu.Unlock()
		return false, errors.New("peer is not paired")
	}
	if m.send != nil {
		m.mu.Unlock()
		return false, errors.New("a file send is already in progress")
	}
	platform := m.options.LocalDevice.Platform
	m.mu.Unlock()

	fileName := filepath.Base(path)
	mimeType := mime.TypeByExtension(strings.ToLower(filepath.Ext(fileName)))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	var send *activeSend
	if info.Size() < m.options.LargeFileThreshold {
		send, err = m.prepareSmallSend(path, fileName, mimeType, info.Size())
	} else if platform == models.PlatformMobile {
		send, err = m.prepareUploadSend(path, fileName, mimeType, info.Size())
	} else {
		send, err = m.prepareHTTPSend(path, fileName, mimeType, info.Size())
	}
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	if m.send != nil {
		m.mu.Unlock()
		send.cleanup()
		return false, errors.New("a file send is already in progress")
	}
	m.send = send
	m.transferActive = true
	m.mu.Unlock()

	request := FileRequestPayload{
		FileName: send.fileName,
		FileSize: send.fileSize,
		MimeType: send.mimeType,
		Checksum: send.checksum,
	}
	if send.httpServer != nil {
		request.HTTPURL = send.httpServer.URL
	}

	msg, err := NewMessage(TypeFileRequest, request)
	if err != nil {
		m.finishSend(send, false)
		return false, err
	}
	send.requestID = msg.ID
	send.startedAt = time.Now()
	m.sendMessage(msg)

	ok := <-send.result
	return ok, nil
}

func (m *Manager) prepareSmallSend(path, fileName, mimeType string, size int64) (*activeSend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read source file: %w", err)
	}
	return &activeSend{
		kind:     sendSmall,
		fileName: fileName,
		fileSize: int64(len(data)),
		mimeType: mimeType,
		checksum: crypto.Checksum(data),
		data:     data,
		path:     path,
		result:   make(chan bool, 1),
	}, nil
}

// prepareHTTPSend computes a streaming checksum and stands up the single-shot
// download endpoint. If the server cannot start, the transfer falls back to
// streaming chunks from disk.
func (m *Manager) prepareHTTPSend(path, fileName, mimeType string, size int64) (*activeSend, error) {
	checksum, err := fileChecksum(path)
	if err != nil {
		return nil, err
	}

	send := &activeSend{
		kind:     sendLargeHTTP,
		fileName: fileName,
		fileSize: size,
		mimeType: mimeType,
		checksum: checksum,
		path:     path,
		result:   make(chan bool, 1),
	}

	server, err := m.startDownloadServer(path, fileName, size, func(sent int64) {
		m.noteSendProgress(send, sent)
	})
	if err != nil {
		m.reportError(fmt.Errorf("download server unavailable, falling back to chunks: %w", err))
		send.kind = sendLargeChunk
		return send, nil
	}
	send.httpServer = server
	return send, nil
}

// prepareUploadSend is the mobile large path: no full checksum, the receiver
// validates by byte count.
func (m *Manager) prepareUploadSend(path, fileName, mimeType string, size int64) (*activeSend, error) {
	return &activeSend{
		kind:     sendLargeUp,
		fileName: fileName,
		fileSize: size,
		mimeType: mimeType,
		checksum: crypto.SizeChecksum(size),
		path:     path,
		result:   make(chan bool, 1),
	}, nil
}

func (m *Manager) handleFileAccept(msg *Message) {
	var payload FileAcceptPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	if send == nil || send.requestID != payload.RequestID {
		return
	}

	switch send.kind {
	case sendSmall:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runChunkSend(send, send.data)
		}()
	case sendLargeChunk:
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runChunkSendFromDisk(send)
		}()
	case sendLargeUp:
		if payload.UploadURL == "" {
			// Receiver could not stand up its upload endpoint; stream
			// chunks instead.
			send.kind = sendLargeChunk
			m.wg.Add(1)
			go func() {
				defer m.wg.Done()
				m.runChunkSendFromDisk(send)
			}()
			return
		}
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.runHTTPUploadSend(send, payload.UploadURL)
		}()
	case sendLargeHTTP:
		// Receiver pulls from our download endpoint; progress flows from the
		// HTTP handler and the terminal state arrives as file_ack.
	}
}

func (m *Manager) handleFileReject(msg *Message) {
	var payload FileRejectPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	if send == nil || send.requestID != payload.RequestID {
		return
	}
	m.reportError(fmt.Errorf("file %q rejected by peer: %s", send.fileName, payload.Reason))
	m.finishSend(send, false)
}

func (m *Manager) handleFileAck(msg *Message) {
	var payload FileAckPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	send := m.send
	m.mu.Unlock()
	if send == nil || send.requestID != payload.RequestID {
		return
	}

	if payload.Success {
		m.recordSendHistory(send)
	}
	m.finishSend(send, payload.Success)
}

// runChunkSend emits sealed 64 KiB chunks in ascending index order. Socket
// writes are blocking, which provides the required backpressure.
func (m *Manager) runChunkSend(send *activeSend, data []byte) {
	m.mu.Lock()
	secret := m.secret
	m.mu.Unlock()
	if secret == nil {
		m.finishSend(send, false)
		return
	}

	totalChunks := int((int64(len(data)) + ChunkSize - 1) / ChunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	for index := 0; index < totalChunks; index++ {
		start := index * ChunkSize
		end := start + ChunkSize
		if end > len(data) {
			end = len(data)
		}

		sealed, err := crypto.Encrypt(secret, data[start:end])
		if err != nil {
			m.reportError(err)
			m.finishSend(send, false)
			return
		}

		msg, err := NewMessage(TypeFileChunk, FileChunkPayload{
			RequestID:   send.requestID,
			ChunkIndex:  index,
			TotalChunks: totalChunks,
			Data:        base64.StdEncoding.EncodeToString(sealed),
		})
		if err != nil {
			m.reportError(err)
			m.finishSend(send, false)
			return
		}

		m.mu.Lock()
		gone := m.send != send
		m.mu.Unlock()
		if gone {
			return
		}

		m.sendMessage(msg)
		m.noteSendProgress(send, int64(end))
	}

	complete, err := NewMessage(TypeFileComplete, FileCompletePayload{
		RequestID: send.requestID,
		Checksum:  send.checksum,
	})
	if err != nil {
		m.reportError(err)
		m.finishSend(send, false)
		return
	}
	m.sendMessage(complete)

	// Chunk mode is best-effort past this point: the send entry is recorded
	// optimistically on file_complete emission.
	m.recordSendHistory(send)
	m.finishSend(send, true)
}

// runChunkSendFromDisk streams the source file in chunk-size reads so large
// files never fully occupy memory.
func (m *Manager) runChunkSendFromDisk(send *activeSend) {
	file, err := os.Open(send.path)
	if err != nil {
		m.reportError(fmt.Errorf("open source file: %w", err))
		m.finishSend(send, false)
		return
	}
	defer func() {
		_ = file.Close()
	}()

	m.mu.Lock()
	secret := m.secret
	m.mu.Unlock()
	if secret == nil {
		m.finishSend(send, false)
		return
	}

	totalChunks := int((send.fileSize + ChunkSize - 1) / ChunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	hasher := crypto.NewChecksumWriter()
	buffer := make([]byte, ChunkSize)
	var sent int64

	for index := 0; index < totalChunks; index++ {
		n, err := file.ReadAt(buffer, int64(index)*ChunkSize)
		if err != nil && n == 0 {
			m.reportError(fmt.Errorf("read chunk %d: %w", index, err))
			m.finishSend(send, false)
			return
		}
		chunk := buffer[:n]
		_, _ = hasher.Write(chunk)

		sealed, encErr := crypto.Encrypt(secret, chunk)
		if encErr != nil {
			m.reportError(encErr)
			m.finishSend(send, false)
			return
		}
		msg, msgErr := NewMessage(TypeFileChunk, FileChunkPayload{
			RequestID:   send.requestID,
			ChunkIndex:  index,
			TotalChunks: totalChunks,
			Data:        base64.StdEncoding.EncodeToString(sealed),
		})
		if msgErr != nil {
			m.reportError(msgErr)
			m.finishSend(send, false)
			return
		}

		m.mu.Lock()
		gone := m.send != send
		m.mu.Unlock()
		if gone {
			return
		}

		m.sendMessage(msg)
		sent += int64(n)
		m.noteSendProgress(send, sent)
	}

	checksum := send.checksum
	if _, isSizeTag := crypto.ParseSizeChecksum(checksum); isSizeTag {
		checksum = hasher.Sum()
	}

	complete, err := NewMessage(TypeFileComplete, FileCompletePayload{
		RequestID: send.requestID,
		Checksum:  checksum,
	})
	if err != nil {
		m.reportError(err)
		m.finishSend(send, false)
		return
	}
	m.sendMessage(complete)
	m.recordSendHistory(send)
	m.finishSend(send, true)
}

func (m *Manager) noteSendProgress(send *activeSend, sent int64) {
	send.bytesSent = sent
	fraction := 0.0
	if send.fileSize > 0 {
		fraction = float64(sent) / float64(send.fileSize)
	}
	m.emitProgress(&models.TransferProgress{
		RequestID:        send.requestID,
		FileName:         send.fileName,
		Direction:        models.DirectionSend,
		BytesTransferred: sent,
		TotalBytes:       send.fileSize,
		Fraction:         fraction,
	})
}

func (m *Manager) recordSendHistory(send *activeSend) {
	m.mu.Lock()
	remote := m.remote
	m.mu.Unlock()
	if remote == nil {
		return
	}

	durationMs := time.Since(send.startedAt).Milliseconds()
	transfer := models.Transfer{
		ID:         uuid.NewString(),
		Kind:       models.TransferFile,
		Timestamp:  time.Now().UnixMilli(),
		Direction:  models.DirectionSend,
		DeviceID:   remote.ID,
		DeviceName: remote.Name,
		FileName:   send.fileName,
		FileSize:   send.fileSize,
		MimeType:   send.mimeType,
		FilePath:   send.path,
		DurationMs: &durationMs,
	}
	if durationMs > 0 {
		speed := float64(send.fileSize) / (float64(durationMs) / 1000.0)
		transfer.SpeedBytesPerSec = &speed
	}
	m.emitComplete(transfer)
}

// finishSend clears the active send exactly once, resolving the SendFile
// promise and arming the post-send keepalive grace window.
func (m *Manager) finishSend(send *activeSend, ok bool) {
	m.mu.Lock()
	if m.send == send {
		m.send = nil
		m.transferActive = m.recv != nil
		m.sendGraceUntil = time.Now().Add(m.options.SendGrace)
	}
	m.mu.Unlock()

	send.cleanup()
	send.resolve(ok)
	m.emitProgress(nil)
}

// --- receive side ---

func (m *Manager) handleFileRequest(msg *Message) {
	var payload FileRequestPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}
	if payload.FileName == "" || payload.FileSize < 0 {
		return
	}

	m.mu.Lock()
	var from models.DeviceInfo
	if m.remote != nil {
		from = *m.remote
	}
	busy := m.recv != nil
	m.mu.Unlock()

	if busy {
		m.rejectFile(msg.ID, "another transfer is in progress")
		return
	}
	if !m.acceptPolicy(from, payload) {
		m.rejectFile(msg.ID, "transfer declined")
		return
	}

	settings, err := m.options.Store.Settings()
	if err != nil {
		m.reportError(err)
		m.rejectFile(msg.ID, "receiver storage unavailable")
		return
	}
	saveDir := settings.SaveDirectory

	recv := &activeReceive{
		requestID: msg.ID,
		fileName:  sanitizeFileName(payload.FileName),
		fileSize:  payload.FileSize,
		mimeType:  payload.MimeType,
		checksum:  payload.Checksum,
		from:      from,
		startedAt: time.Now(),
	}

	switch {
	case payload.HTTPURL != "":
		m.startHTTPDownloadReceive(recv, payload.HTTPURL, saveDir)
	case payload.FileSize >= m.options.LargeFileThreshold:
		m.startHTTPUploadReceive(recv, saveDir)
	default:
		m.startSmallReceive(recv)
	}
}

// acceptPolicy decides whether to accept an incoming file. The hook wins when
// set; the default accepts from paired devices per the auto-accept setting
// and otherwise keeps the historical always-accept behavior.
func (m *Manager) acceptPolicy(from models.DeviceInfo, request FileRequestPayload) bool {
	if m.options.AcceptFile != nil {
		return m.options.AcceptFile(from, request)
	}
	if from.ID != "" {
		if settings, err := m.options.Store.Settings(); err == nil && settings.AutoAcceptFromPaired {
			if _, err := m.options.Store.GetPairedDevice(from.ID); err == nil {
				return true
			}
		}
	}
	return true
}

func (m *Manager) rejectFile(requestID, reason string) {
	msg, err := NewMessage(TypeFileReject, FileRejectPayload{RequestID: requestID, Reason: reason})
	if err != nil {
		m.reportError(err)
		return
	}
	m.sendMessage(msg)
}

func (m *Manager) startSmallReceive(recv *activeReceive) {
	recv.kind = recvSmall
	recv.chunks = make(map[int][]byte)

	m.mu.Lock()
	m.recv = recv
	m.transferActive = true
	m.mu.Unlock()

	accept, err := NewMessage(TypeFileAccept, FileAcceptPayload{RequestID: recv.requestID})
	if err != nil {
		m.reportError(err)
		return
	}
	m.sendMessage(accept)
}

func (m *Manager) handleFileChunk(msg *Message) {
	var payload FileChunkPayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	recv := m.recv
	m.mu.Unlock()
	if recv == nil || recv.requestID != payload.RequestID {
		return
	}
	if payload.ChunkIndex < 0 {
		return
	}

	sealed, err := base64.StdEncoding.DecodeString(payload.Data)
	if err != nil {
		m.reportError(fmt.Errorf("chunk %d is not base64: %w", payload.ChunkIndex, err))
		return
	}
	from, chunk := m.openFromPeer(sealed)
	if from == nil {
		m.reportError(fmt.Errorf("chunk %d failed authentication", payload.ChunkIndex))
		return
	}
	if recv.from.ID == "" {
		recv.from = *from
	}

	switch recv.kind {
	case recvSmall:
		m.mu.Lock()
		if _, seen := recv.chunks[payload.ChunkIndex]; !seen {
			recv.chunks[payload.ChunkIndex] = chunk
			recv.chunksReceived++
			recv.bytesWritten += int64(len(chunk))
		}
		received := recv.bytesWritten
		m.mu.Unlock()
		m.noteReceiveProgress(recv, received)
	case recvStreamChunk:
		if err := m.appendStreamChunk(recv, chunk); err != nil {
			m.reportError(err)
			m.abortReceive(recv)
		}
	}
}

// appendStreamChunk updates the incremental checksum and batches writes into
// 512 KiB buffers before hitting the disk.
func (m *Manager) appendStreamChunk(recv *activeReceive, chunk []byte) error {
	_, _ = recv.hasher.Write(chunk)
	recv.pending = append(recv.pending, chunk...)
	recv.bytesWritten += int64(len(chunk))

	if len(recv.pending) >= streamBatchSize {
		if err := m.flushStream(recv); err != nil {
			return err
		}
	}
	m.noteReceiveProgress(recv, recv.bytesWritten)
	return nil
}

func (m *Manager) flushStream(recv *activeReceive) error {
	if len(recv.pending) == 0 {
		return nil
	}
	if _, err := recv.file.Write(recv.pending); err != nil {
		return fmt.Errorf("write stream batch: %w", err)
	}
	recv.pending = recv.pending[:0]
	return nil
}

func (m *Manager) handleFileComplete(msg *Message) {
	var payload FileCompletePayload
	if err := msg.DecodePayload(&payload); err != nil {
		m.reportError(err)
		return
	}

	m.mu.Lock()
	recv := m.recv
	m.mu.Unlock()
	if recv == nil || recv.requestID != payload.RequestID {
		return
	}

	switch recv.kind {
	case recvSmall:
		m.finalizeSmallReceive(recv, payload.Checksum)
	case recvStreamChunk:
		m.finalizeStreamReceive(recv, payload.Checksum)
	}
}

// finalizeSmallReceive reassembles chunks in ascending order, verifies the
// full-data checksum, and writes the file. A mismatch drops the bytes without
// a history entry.
func (m *Manager) finalizeSmallReceive(recv *activeReceive, expected string) {
	m.mu.Lock()
	indices := make([]int, 0, len(recv.chunks))
	for index := range recv.chunks {
		indices = append(indices, index)
	}
	m.mu.Unlock()

	maxIndex := -1
	for _, index := range indices {
		if index > maxIndex {
			maxIndex = index
		}
	}

	data := make([]byte, 0, recv.fileSize)
	for index := 0; index <= maxIndex; index++ {
		chunk, ok := recv.chunks[index]
		if !ok {
			m.reportError(fmt.Errorf("missing chunk %d", index))
			m.abortReceive(recv)
			return
		}
		data = append(data, chunk...)
	}

	if crypto.Checksum(data) != expected {
		m.reportError(errors.New("checksum mismatch on received file"))
		m.abortReceive(recv)
		return
	}

	settings, err := m.options.Store.Settings()
	if err != nil {
		m.reportError(err)
		m.abortReceive(recv)
		return
	}
	finalPath := filepath.Join(settings.SaveDirectory, recv.fileName)
	if err := os.WriteFile(finalPath, data, 0o600); err != nil {
		m.reportError(fmt.Errorf("write received file: %w", err))
		m.abortReceive(recv)
		return
	}

	m.completeReceive(recv, finalPath)
}

// finalizeStreamReceive flushes, verifies the streaming digest, and renames
// the temp file into place.
func (m *Manager) finalizeStreamReceive(recv *activeReceive, expected string) {
	if err := m.flushStream(recv); err != nil {
		m.reportError(err)
		m.abortReceive(recv)
		return
	}
	if err := recv.file.Close(); err != nil {
		m.reportError(fmt.Errorf("close temp file: %w", err))
		recv.file = nil
		m.abortReceive(recv)
		return
	}
	recv.file = nil

	verified := false
	if size, isSizeTag := crypto.ParseSizeChecksum(expected); isSizeTag {
		verified = recv.bytesWritten == size
	} else {
		verified = recv.hasher.Sum() == expected
	}
	if !verified {
		m.reportError(errors.New("checksum mismatch on streamed file"))
		m.abortReceive(recv)
		return
	}

	settings, err := m.options.Store.Settings()
	if err != nil {
		m.reportError(err)
		m.abortReceive(recv)
		return
	}
	finalPath := filepath.Join(settings.SaveDirectory, recv.fileName)
	if err := os.Rename(recv.tempPath, finalPath); err != nil {
		m.reportError(fmt.Errorf("finalize streamed file: %w", err))
		m.abortReceive(recv)
		return
	}
	recv.tempPath = ""

	m.completeReceive(recv, finalPath)
}

// completeReceive records the history entry and clears the receive state.
func (m *Manager) completeReceive(recv *activeReceive, finalPath string) {
	m.mu.Lock()
	if m.recv == recv {
		m.recv = nil
		m.transferActive = m.send != nil
	}
	remote := m.remote
	m.mu.Unlock()

	deviceID := recv.from.ID
	deviceName := recv.from.Name
	if deviceID == "" && remote != nil {
		deviceID = remote.ID
		deviceName = remote.Name
	}

	durationMs := time.Since(recv.startedAt).Milliseconds()
	transfer := models.Transfer{
		ID:         uuid.NewString(),
		Kind:       models.TransferFile,
		Timestamp:  time.Now().UnixMilli(),
		Direction:  models.DirectionReceive,
		DeviceID:   deviceID,
		DeviceName: deviceName,
		FileName:   recv.fileName,
		FileSize:   recv.fileSize,
		MimeType:   recv.mimeType,
		FilePath:   finalPath,
		DurationMs: &durationMs,
	}
	if durationMs > 0 {
		speed := float64(recv.fileSize) / (float64(durationMs) / 1000.0)
		transfer.SpeedBytesPerSec = &speed
	}
	m.emitComplete(transfer)
	m.emitProgress(nil)
}

// abortReceive discards the receive state without a history entry.
func (m *Manager) abortReceive(recv *activeReceive) {
	m.mu.Lock()
	if m.recv == recv {
		m.recv = nil
		m.transferActive = m.send != nil
	}
	m.mu.Unlock()

	recv.cleanup()
	m.emitProgress(nil)
}

func (m *Manager) noteReceiveProgress(recv *activeReceive, received int64) {
	fraction := 0.0
	if recv.fileSize > 0 {
		fraction = float64(received) / float64(recv.fileSize)
	}
	m.emitProgress(&models.TransferProgress{
		RequestID:        recv.requestID,
		FileName:         recv.fileName,
		Direction:        models.DirectionReceive,
		BytesTransferred: received,
		TotalBytes:       recv.fileSize,
		Fraction:         fraction,
	})
}

func fileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open file for checksum: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()

	hasher := crypto.NewChecksumWriter()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("hash file: %w", err)
	}
	return hasher.Sum(), nil
}

func sanitizeFileName(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "" || base == "." || base == string(filepath.Separator) {
		return "file.bin"
	}
	return base
}

// tempReceivePath builds the hidden temp path used while streaming to disk.
func tempReceivePath(saveDir string) string {
	return filepath.Join(saveDir, fmt.Sprintf(".easyshare_tmp_%d", time.Now().UnixMilli()))
}
