package store

import "time"

// HistoryEntry is one uploaded receipt as remembered locally. Entries are
// kept newest-first and capped; trimming never touches the remote file.
type HistoryEntry struct {
	ID            string     `json:"id"`
	Thumbnail     string     `json:"thumbnail"` // small re-encoded JPEG as a data URL, may be empty
	DisplayName   string     `json:"display_name"`
	CapturedAt    time.Time  `json:"captured_at"`
	RemoteFileID  string     `json:"remote_file_id"`
	RemoteFolder  string     `json:"remote_folder_id"`
	OwnerUserID   string     `json:"owner_user_id"`
	OwnerLabel    string     `json:"owner_label"`
	MonthKey      string     `json:"month_key"` // YYYY-MM
	Sent          bool       `json:"sent"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// QueueItem is a photo captured while offline, waiting for the queue drain.
// An item is removed only after its upload fully succeeds.
type QueueItem struct {
	ID          string    `json:"id"`
	ImageData   []byte    `json:"image_data"`
	MimeType    string    `json:"mime_type"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	OwnerUserID string    `json:"owner_user_id"`
}

// User identifies one of the people whose receipts the app tracks.
// Label is the human suffix used in Drive folder names ("Papà").
type User struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}
