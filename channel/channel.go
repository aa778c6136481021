// Package channel defines the contract between the executor and the
// per-channel adapters: the adapter interface, the uniform result
// shapes, and the catalog of action types with their approval and
// retry properties.
package channel

// Channel identifies an outbound channel.
type Channel string

// Known channels.
const (
	Filesystem Channel = "filesystem"
	Gmail      Channel = "gmail"
	WhatsApp   Channel = "whatsapp"
	LinkedIn   Channel = "linkedin"
	Instagram  Channel = "instagram"
	Twitter    Channel = "twitter"
	Odoo       Channel = "odoo"
)

// IsValid reports whether c is a known channel.
func (c Channel) IsValid() bool {
	switch c {
	case Filesystem, Gmail, WhatsApp, LinkedIn, Instagram, Twitter, Odoo:
		return true
	}
	return false
}

// Mode selects synthetic or live adapter behavior.
type Mode string

// Adapter modes.
const (
	ModeMock Mode = "mock"
	ModeReal Mode = "real"
)

// IsValid reports whether m is a known mode.
func (m Mode) IsValid() bool {
	return m == ModeMock || m == ModeReal
}
