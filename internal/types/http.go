package types

import "time"

// NavigationRecord is the journal entry for one joined navigation.
type NavigationRecord struct {
	Timestamp         time.Time         `json:"timestamp"`
	TabID             string            `json:"tab_id"`
	FrameID           string            `json:"frame_id"`
	RequestID         string            `json:"request_id"`
	URL               string            `json:"url"`
	Status            int               `json:"status"`
	FromServiceWorker bool              `json:"from_service_worker"`
	Headers           map[string]string `json:"headers,omitempty"`
	Body              string            `json:"body,omitempty"`
	BodySize          int               `json:"body_size"`
	BodyTruncated     bool              `json:"body_truncated,omitempty"`
	BodySHA256        string            `json:"body_sha256,omitempty"`
	DurationMS        int64             `json:"duration_ms"`
	Error             string            `json:"error,omitempty"`
}

// VersionRecord is the journal entry for one observed worker version snapshot.
type VersionRecord struct {
	Timestamp     time.Time `json:"timestamp"`
	TabID         string    `json:"tab_id"`
	VersionID     string    `json:"version_id"`
	ScriptURL     string    `json:"script_url,omitempty"`
	Status        string    `json:"status"`
	RunningStatus string    `json:"running_status,omitempty"`
}
