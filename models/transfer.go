package models

// Transfer directions.
const (
	DirectionSend    = "send"
	DirectionReceive = "receive"
)

// Transfer kinds.
const (
	TransferText = "text"
	TransferFile = "file"
)

// Transfer is a finalized history entry for one completed exchange. Kind
// selects which of the text/file field groups is meaningful.
type Transfer struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Timestamp  int64  `json:"timestamp"`
	Direction  string `json:"direction"`
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`

	// Text transfers.
	Content string `json:"content,omitempty"`

	// File transfers.
	FileName         string   `json:"file_name,omitempty"`
	FileSize         int64    `json:"file_size,omitempty"`
	MimeType         string   `json:"mime_type,omitempty"`
	FilePath         string   `json:"file_path,omitempty"`
	DurationMs       *int64   `json:"duration_ms,omitempty"`
	SpeedBytesPerSec *float64 `json:"speed_bytes_per_sec,omitempty"`
}

// TransferProgress is emitted while a file transfer is in flight. A nil
// progress on the callback surface clears the indicator.
type TransferProgress struct {
	RequestID        string  `json:"request_id"`
	FileName         string  `json:"file_name"`
	Direction        string  `json:"direction"`
	BytesTransferred int64   `json:"bytes_transferred"`
	TotalBytes       int64   `json:"total_bytes"`
	Fraction         float64 `json:"fraction"`
}
