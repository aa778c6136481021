// Package intake models perception output: the intake wrapper files
// watchers write into the vault. Wrappers are immutable once written;
// their creation is the only way a new pending item enters the
// pipeline.
package intake

import "time"

// Type classifies what an intake wrapper describes.
type Type string

// Intake types.
const (
	TypeTask         Type = "task"
	TypeEmail        Type = "email"
	TypeMessage      Type = "message"
	TypePost         Type = "post"
	TypeInvoiceEvent Type = "invoice_event"
	TypeDocument     Type = "document"
)

// IsValid reports whether t is a known intake type.
func (t Type) IsValid() bool {
	switch t {
	case TypeTask, TypeEmail, TypeMessage, TypePost, TypeInvoiceEvent, TypeDocument:
		return true
	}
	return false
}

// Item is one perceived event. (Source, ID) is globally unique; the ID
// is stable across reruns of the same watcher for the same upstream
// event, which is what makes at-most-once intake creation possible.
type Item struct {
	ID         string    `json:"id"`
	Source     string    `json:"source"`
	ReceivedAt time.Time `json:"received_at"`
	FilePath   string    `json:"file_path"`
	Type       Type      `json:"type"`
	Sender     string    `json:"sender,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Excerpt    string    `json:"excerpt,omitempty"`

	// RawRef points to the preserved original, if any. The original is
	// untouched on disk but never echoed into logs.
	RawRef string `json:"raw_ref,omitempty"`

	HasAttachments bool   `json:"has_attachments"`
	Urgency        string `json:"urgency,omitempty"`
}
