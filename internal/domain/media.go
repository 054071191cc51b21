package domain

import "time"

type MediaStatus string

const (
	StatusUploaded  MediaStatus = "uploaded"
	StatusProcessed MediaStatus = "processed"
	StatusFailed    MediaStatus = "failed"
	StatusDeleted   MediaStatus = "deleted"
)

type Media struct {
	ID            string      `json:"id"`
	OwnerID       string      `json:"owner_id"`
	Filename      string      `json:"filename"`
	ContentType   string      `json:"content_type"`
	Size          int64       `json:"size"`
	Status        MediaStatus `json:"status"`
	ThumbnailPath string      `json:"thumbnail_path,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	DeletedAt     *time.Time  `json:"deleted_at,omitempty"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Message is a notification addressed to a user.
type Message struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// RetryState tracks the retries of one media item's processing.
type RetryState struct {
	MediaID   string    `json:"media_id"`
	Attempt   int       `json:"attempt"`
	LastError string    `json:"last_error"`
	NextRunAt time.Time `json:"next_run_at"`
}
