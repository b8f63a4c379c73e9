package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/crypto"
)

const httpClientTimeout = 30 * time.Minute

// transferServer is a single-shot auxiliary HTTP server standing up exactly
// one transfer endpoint. It is shut down on transfer success, failure, or
// disconnect.
type transferServer struct {
	URL   string
	Token string

	listener net.Listener
	server   *http.Server

	shutdownOnce sync.Once
}

// Shutdown stops the server, waiting briefly for an in-flight transfer
// handler to finish. Safe to call more than once.
func (t *transferServer) Shutdown() {
	if t == nil {
		return
	}
	t.shutdownOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := t.server.Shutdown(ctx); err != nil {
			_ = t.server.Close()
		}
	})
}

func startTransferServer(route string, makeHandler func(token string) http.HandlerFunc) (*transferServer, error) {
	listener, err := net.Listen("tcp", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("bind transfer server: %w", err)
	}

	token := uuid.NewString()
	router := mux.NewRouter()
	// Transfer endpoints answer 404 for any other path or method.
	router.MethodNotAllowedHandler = http.NotFoundHandler()

	switch route {
	case "transfer":
		router.HandleFunc("/transfer/{token}", makeHandler(token)).Methods(http.MethodGet)
	case "upload":
		router.HandleFunc("/upload/{token}", makeHandler(token)).Methods(http.MethodPost)
	default:
		_ = listener.Close()
		return nil, fmt.Errorf("unknown transfer route %q", route)
	}

	port := listener.Addr().(*net.TCPAddr).Port
	ts := &transferServer{
		Token:    token,
		URL:      fmt.Sprintf("http://%s/%s/%s", net.JoinHostPort(localIP(), strconv.Itoa(port)), route, token),
		listener: listener,
		server:   &http.Server{Handler: router},
	}

	go func() {
		_ = ts.server.Serve(listener)
	}()

	return ts, nil
}

// startDownloadServer serves the source file once via GET /transfer/<token>.
func (m *Manager) startDownloadServer(path, fileName string, fileSize int64, progress func(int64)) (*transferServer, error) {
	makeHandler := func(token string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if mux.Vars(r)["token"] != token {
				http.NotFound(w, r)
				return
			}

			file, err := os.Open(path)
			if err != nil {
				http.Error(w, "source unavailable", http.StatusInternalServerError)
				return
			}
			defer func() {
				_ = file.Close()
			}()

			w.Header().Set("Content-Type", "application/octet-stream")
			w.Header().Set("Content-Length", strconv.FormatInt(fileSize, 10))
			w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", fileName))

			counter := &countingWriter{w: w, progress: progress}
			if _, err := io.Copy(counter, file); err != nil {
				m.reportError(fmt.Errorf("stream download: %w", err))
			}
		}
	}

	return startTransferServer("transfer", makeHandler)
}

type countingWriter struct {
	w        io.Writer
	total    int64
	progress func(int64)
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.total += int64(n)
	if c.progress != nil {
		c.progress(c.total)
	}
	return n, err
}

// startHTTPUploadReceive prepares the large-file receive. Preferred: a
// single-shot POST /upload/<token> endpoint the sender pushes to. If the
// upload server cannot start, fall back to streaming chunk mode.
func (m *Manager) startHTTPUploadReceive(recv *activeReceive, saveDir string) {
	recv.tempPath = tempReceivePath(saveDir)
	recv.hasher = crypto.NewChecksumWriter()

	makeHandler := func(token string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if mux.Vars(r)["token"] != token {
				http.NotFound(w, r)
				return
			}
			m.handleUpload(recv, saveDir, w, r)
		}
	}

	server, err := startTransferServer("upload", makeHandler)
	if err != nil {
		m.reportError(fmt.Errorf("upload server unavailable, falling back to streaming chunks: %w", err))
		m.startStreamChunkReceive(recv, saveDir)
		return
	}
	recv.kind = recvHTTPUpload
	recv.httpServer = server

	m.mu.Lock()
	m.recv = recv
	m.transferActive = true
	m.mu.Unlock()

	accept, err := NewMessage(TypeFileAccept, FileAcceptPayload{
		RequestID: recv.requestID,
		UploadURL: server.URL,
	})
	if err != nil {
		m.reportError(err)
		m.abortReceive(recv)
		return
	}
	m.sendMessage(accept)
}

// startStreamChunkReceive is the chunk fallback for large files: incremental
// checksum, batched writes to a hidden temp path.
func (m *Manager) startStreamChunkReceive(recv *activeReceive, saveDir string) {
	file, err := os.OpenFile(recv.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		m.reportError(fmt.Errorf("open temp file: %w", err))
		m.rejectFile(recv.requestID, "receiver cannot store file")
		return
	}

	recv.kind = recvStreamChunk
	recv.file = file

	m.mu.Lock()
	m.recv = recv
	m.transferActive = true
	m.mu.Unlock()

	accept, err := NewMessage(TypeFileAccept, FileAcceptPayload{RequestID: recv.requestID})
	if err != nil {
		m.reportError(err)
		m.abortReceive(recv)
		return
	}
	m.sendMessage(accept)
}

// handleUpload consumes the single POST: multipart (first file part) or raw
// body, streamed to the temp path with a running hash and byte count.
func (m *Manager) handleUpload(recv *activeReceive, saveDir string, w http.ResponseWriter, r *http.Request) {
	// Single-shot: the server dies with the first upload attempt. It is
	// detached from recv so a failing upload's cleanup does not block on
	// this very request; shutdown runs once the response has been written.
	server := recv.httpServer
	recv.httpServer = nil
	defer func() {
		if server != nil {
			go server.Shutdown()
		}
	}()

	body, err := uploadBody(r)
	if err != nil {
		m.reportError(err)
		http.Error(w, "bad request", http.StatusBadRequest)
		m.failReceiveWithAck(recv)
		return
	}

	file, err := os.OpenFile(recv.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		m.reportError(fmt.Errorf("open temp file: %w", err))
		http.Error(w, "storage unavailable", http.StatusBadRequest)
		m.failReceiveWithAck(recv)
		return
	}

	counter := &countingWriter{w: io.MultiWriter(file, recv.hasher), progress: func(received int64) {
		recv.bytesWritten = received
		m.noteReceiveProgress(recv, received)
	}}
	_, copyErr := io.Copy(counter, body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		m.reportError(fmt.Errorf("stream upload: copy=%v close=%v", copyErr, closeErr))
		http.Error(w, "upload failed", http.StatusBadRequest)
		m.failReceiveWithAck(recv)
		return
	}

	verified := false
	if size, isSizeTag := crypto.ParseSizeChecksum(recv.checksum); isSizeTag {
		verified = counter.total == size
	} else {
		verified = recv.hasher.Sum() == recv.checksum
	}
	if !verified {
		m.reportError(errors.New("uploaded file failed verification"))
		http.Error(w, "verification failed", http.StatusBadRequest)
		m.failReceiveWithAck(recv)
		return
	}

	finalPath := filepath.Join(saveDir, recv.fileName)
	if err := os.Rename(recv.tempPath, finalPath); err != nil {
		m.reportError(fmt.Errorf("finalize upload: %w", err))
		http.Error(w, "finalize failed", http.StatusBadRequest)
		m.failReceiveWithAck(recv)
		return
	}
	recv.tempPath = ""

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))

	m.sendAck(recv.requestID, true)
	m.completeReceive(recv, finalPath)
}

// uploadBody returns the file byte stream: the first multipart file part
// when the request is multipart/form-data, otherwise the raw body.
func uploadBody(r *http.Request) (io.Reader, error) {
	contentType := r.Header.Get("Content-Type")
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return r.Body, nil
	}

	boundary := params["boundary"]
	if boundary == "" {
		return nil, errors.New("multipart upload without boundary")
	}

	reader := multipart.NewReader(r.Body, boundary)
	for {
		part, err := reader.NextPart()
		if err != nil {
			return nil, fmt.Errorf("read multipart body: %w", err)
		}
		if part.FileName() != "" {
			return part, nil
		}
	}
}

// failReceiveWithAck reports failure to the sender and discards state.
func (m *Manager) failReceiveWithAck(recv *activeReceive) {
	m.sendAck(recv.requestID, false)
	m.abortReceive(recv)
}

func (m *Manager) sendAck(requestID string, success bool) {
	msg, err := NewMessage(TypeFileAck, FileAckPayload{RequestID: requestID, Success: success})
	if err != nil {
		m.reportError(err)
		return
	}
	m.sendMessage(msg)
}

// startHTTPDownloadReceive pulls a desktop-served file: accept, stream GET to
// a temp path, verify by size, finalize, then ack so the sender can shut its
// server down.
func (m *Manager) startHTTPDownloadReceive(recv *activeReceive, httpURL, saveDir string) {
	recv.kind = recvHTTPDownload
	recv.tempPath = tempReceivePath(saveDir)

	m.mu.Lock()
	m.recv = recv
	m.transferActive = true
	m.mu.Unlock()

	accept, err := NewMessage(TypeFileAccept, FileAcceptPayload{RequestID: recv.requestID})
	if err != nil {
		m.reportError(err)
		m.abortReceive(recv)
		return
	}
	m.sendMessage(accept)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runHTTPDownload(recv, httpURL, saveDir)
	}()
}

func (m *Manager) runHTTPDownload(recv *activeReceive, httpURL, saveDir string) {
	client := &http.Client{Timeout: httpClientTimeout}
	resp, err := client.Get(httpURL)
	if err != nil {
		m.reportError(fmt.Errorf("download %s: %w", httpURL, err))
		m.failReceiveWithAck(recv)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		m.reportError(fmt.Errorf("download %s: status %d", httpURL, resp.StatusCode))
		m.failReceiveWithAck(recv)
		return
	}

	file, err := os.OpenFile(recv.tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		m.reportError(fmt.Errorf("open temp file: %w", err))
		m.failReceiveWithAck(recv)
		return
	}

	counter := &countingWriter{w: file, progress: func(received int64) {
		recv.bytesWritten = received
		m.noteReceiveProgress(recv, received)
	}}
	_, copyErr := io.Copy(counter, resp.Body)
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		m.reportError(fmt.Errorf("stream download: copy=%v close=%v", copyErr, closeErr))
		m.failReceiveWithAck(recv)
		return
	}

	// Transport integrity suffices here; verify by byte count.
	if counter.total != recv.fileSize {
		m.reportError(fmt.Errorf("download size mismatch: got %d want %d", counter.total, recv.fileSize))
		m.failReceiveWithAck(recv)
		return
	}

	finalPath := filepath.Join(saveDir, recv.fileName)
	if err := os.Rename(recv.tempPath, finalPath); err != nil {
		m.reportError(fmt.Errorf("finalize download: %w", err))
		m.failReceiveWithAck(recv)
		return
	}
	recv.tempPath = ""

	m.sendAck(recv.requestID, true)
	m.completeReceive(recv, finalPath)
}

// runHTTPUploadSend pushes the source file to the receiver's upload endpoint
// as multipart/form-data with progress from the request body reader.
func (m *Manager) runHTTPUploadSend(send *activeSend, uploadURL string) {
	file, err := os.Open(send.path)
	if err != nil {
		m.reportError(fmt.Errorf("open source file: %w", err))
		m.finishSend(send, false)
		return
	}

	pipeReader, pipeWriter := io.Pipe()
	writer := multipart.NewWriter(pipeWriter)

	go func() {
		defer func() {
			_ = file.Close()
		}()
		part, err := writer.CreateFormFile("file", send.fileName)
		if err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		counter := &countingWriter{w: part, progress: func(sent int64) {
			m.noteSendProgress(send, sent)
		}}
		if _, err := io.Copy(counter, file); err != nil {
			_ = pipeWriter.CloseWithError(err)
			return
		}
		_ = pipeWriter.CloseWithError(writer.Close())
	}()

	client := &http.Client{Timeout: httpClientTimeout}
	req, err := http.NewRequest(http.MethodPost, uploadURL, pipeReader)
	if err != nil {
		m.reportError(err)
		m.finishSend(send, false)
		return
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := client.Do(req)
	if err != nil {
		m.reportError(fmt.Errorf("upload to %s: %w", uploadURL, err))
		m.finishSend(send, false)
		return
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		m.reportError(fmt.Errorf("upload to %s: status %d", uploadURL, resp.StatusCode))
		m.finishSend(send, false)
		return
	}
	// The terminal state arrives as file_ack; history is recorded there.
}

// localIP finds the outbound interface address without sending any packets.
func localIP() string {
	conn, err := net.Dial("udp", "192.0.2.1:9")
	if err != nil {
		return "127.0.0.1"
	}
	defer func() {
		_ = conn.Close()
	}()
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
