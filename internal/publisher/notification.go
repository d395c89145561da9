// Package publisher defines the message announcing a freshly written snapshot.
package publisher

import "time"

// Notification tells downstream consumers that a snapshot was written.
type Notification struct {
	RunID       string    `json:"run_id"`
	Count       int       `json:"count"`
	SHA256      string    `json:"sha256"`
	Path        string    `json:"path"`
	ObjectURI   string    `json:"object_uri,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Attributes are the message attributes consumers can filter on without
// decoding the body.
func (n Notification) Attributes() map[string]string {
	return map[string]string{
		"run_id": n.RunID,
		"sha256": n.SHA256,
	}
}
