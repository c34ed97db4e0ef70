// Package backend is the REST collaborator client. The REST API is the
// authoritative source of truth for persisted history; the sync engine
// consults it on activation, reconnect, and staleness.
package backend

import "time"

// Session is a longer-lived container owning one or more topics and the
// provider/model configuration.
type Session struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Topic is one conversation thread.
type Topic struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Provider  string    `json:"provider,omitempty"`
	Model     string    `json:"model,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
