package network

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/crypto"
	"github.com/alichherawalla/easy-share-across-mobile-and-desktop/models"
)

const (
	// MaxFrameSize is the maximum accepted frame payload size (10 MiB).
	MaxFrameSize = 10 * 1024 * 1024
	// ChunkSize is the fixed file chunk size carried by one file_chunk.
	ChunkSize = 64 * 1024
	// frameHeaderSize is the length prefix plus the type code byte.
	frameHeaderSize = 5
)

// Message types on the wire. The JSON "type" field is authoritative for
// dispatch; the frame type code mirrors it for tooling.
const (
	TypePing          = "ping"
	TypePong          = "pong"
	TypePairRequest   = "pair_request"
	TypePairChallenge = "pair_challenge"
	TypePairResponse  = "pair_response"
	TypePairConfirm   = "pair_confirm"
	TypePairReject    = "pair_reject"
	TypeText          = "text"
	TypeFileRequest   = "file_request"
	TypeFileAccept    = "file_accept"
	TypeFileReject    = "file_reject"
	TypeFileChunk     = "file_chunk"
	TypeFileComplete  = "file_complete"
	TypeFileAck       = "file_ack"
	TypeError         = "error"
)

var typeCodes = map[string]byte{
	TypePing:          0x01,
	TypePong:          0x02,
	TypePairRequest:   0x10,
	TypePairChallenge: 0x11,
	TypePairResponse:  0x12,
	TypePairConfirm:   0x13,
	TypePairReject:    0x14,
	TypeText:          0x20,
	TypeFileRequest:   0x30,
	TypeFileAccept:    0x31,
	TypeFileReject:    0x32,
	TypeFileChunk:     0x33,
	TypeFileComplete:  0x34,
	TypeFileAck:       0x35,
	TypeError:         0xFF,
}

var (
	// ErrFrameTooLarge indicates a frame payload exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("network: frame exceeds max size")
	// ErrMalformedPayload indicates a complete frame carried unparseable JSON.
	ErrMalformedPayload = errors.New("network: malformed frame payload")
)

// Message is the on-wire envelope. Payload is shaped by Type.
type Message struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// PairRequestPayload opens pairing and carries the initiator's identity.
type PairRequestPayload struct {
	DeviceInfo models.DeviceInfo `json:"device_info"`
}

// PairChallengePayload carries the responder's random challenge.
type PairChallengePayload struct {
	Challenge string `json:"challenge"`
	Timestamp int64  `json:"timestamp"`
}

// PairResponsePayload carries the initiator's proof of secret possession.
type PairResponsePayload struct {
	Response   string            `json:"response"`
	DeviceInfo models.DeviceInfo `json:"device_info"`
}

// PairConfirmPayload completes pairing and carries the responder's identity.
type PairConfirmPayload struct {
	DeviceInfo models.DeviceInfo `json:"device_info"`
}

// PairRejectPayload terminates pairing with a reason.
type PairRejectPayload struct {
	Reason string `json:"reason"`
}

// TextPayload carries one text message. Content is the sealed form, base64.
type TextPayload struct {
	Content string `json:"content"`
}

// FileRequestPayload announces an incoming file. Checksum is either the
// truncated digest or a "size:<n>" tag; HTTPURL is set for download offload.
type FileRequestPayload struct {
	FileName string `json:"file_name"`
	FileSize int64  `json:"file_size"`
	MimeType string `json:"mime_type"`
	Checksum string `json:"checksum"`
	HTTPURL  string `json:"http_url,omitempty"`
}

// FileAcceptPayload accepts a file request. UploadURL is set when the
// receiver serves an HTTP upload endpoint.
type FileAcceptPayload struct {
	RequestID string `json:"request_id"`
	UploadURL string `json:"upload_url,omitempty"`
}

// FileRejectPayload declines a file request.
type FileRejectPayload struct {
	RequestID string `json:"request_id"`
	Reason    string `json:"reason"`
}

// FileChunkPayload carries one sealed chunk, base64-encoded.
type FileChunkPayload struct {
	RequestID   string `json:"request_id"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	Data        string `json:"data"`
}

// FileCompletePayload ends a chunk transfer with the sender's checksum.
type FileCompletePayload struct {
	RequestID string `json:"request_id"`
	Checksum  string `json:"checksum"`
}

// FileAckPayload reports terminal receive status for HTTP transfers.
type FileAckPayload struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
}

// ErrorPayload reports a protocol-level error.
type ErrorPayload struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
}

// NewMessage builds an envelope with a fresh id and current timestamp.
func NewMessage(msgType string, payload any) (Message, error) {
	id, err := crypto.NewMessageID()
	if err != nil {
		return Message{}, err
	}
	msg := Message{
		ID:        id,
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// DecodePayload unmarshals the envelope payload into out.
func (m Message) DecodePayload(out any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s message has no payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", m.Type, err)
	}
	return nil
}

// EncodeFrame serializes a message as one length-prefixed frame.
func EncodeFrame(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	frame[4] = typeCodes[msg.Type]
	copy(frame[frameHeaderSize:], payload)
	return frame, nil
}

// WriteMessage frames and writes one message.
func WriteMessage(w io.Writer, msg Message) error {
	frame, err := EncodeFrame(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// MessageBuffer is an incremental frame parser. Arbitrary byte slices are
// appended; Next extracts whole frames and leaves the tail for later.
type MessageBuffer struct {
	buf []byte
}

// Append adds received bytes to the buffer.
func (b *MessageBuffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// Len returns the number of buffered, unparsed bytes.
func (b *MessageBuffer) Len() int {
	return len(b.buf)
}

// Next extracts the next complete message. It returns (nil, nil) when no
// whole frame is buffered. A declared length above MaxFrameSize returns
// ErrFrameTooLarge; unparseable JSON inside a complete frame discards the
// span and returns ErrMalformedPayload. Both are protocol errors that tear
// down the connection.
func (b *MessageBuffer) Next() (*Message, error) {
	if len(b.buf) < frameHeaderSize {
		return nil, nil
	}

	length := binary.BigEndian.Uint32(b.buf)
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	total := frameHeaderSize + int(length)
	if len(b.buf) < total {
		return nil, nil
	}

	payload := b.buf[frameHeaderSize:total]
	var msg Message
	err := json.Unmarshal(payload, &msg)

	// Shift the tail down rather than aliasing, so a large frame does not
	// pin the whole backing array.
	remaining := copy(b.buf, b.buf[total:])
	b.buf = b.buf[:remaining]

	if err != nil || msg.Type == "" {
		return nil, ErrMalformedPayload
	}
	return &msg, nil
}
