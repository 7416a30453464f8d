package model

// MediaInfo is the metadata the external tool reports for a URL without downloading it.
type MediaInfo struct {
	ID              string  `json:"id,omitempty"`
	Title           string  `json:"title"`
	Thumbnail       string  `json:"thumbnail"`
	DurationSeconds float64 `json:"durationSeconds"`
	Uploader        string  `json:"uploader,omitempty"`
}
