package watcher

import (
	"context"
	"fmt"
	"path"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/checkpoint"
	"github.com/c360studio/valet/intake"
	"github.com/c360studio/valet/plan"
	"github.com/c360studio/valet/vault"
)

// readerSource adapts a channel.Reader into a Source. The mapping
// function owns the per-channel intake naming convention.
type readerSource struct {
	name    string
	reader  channel.Reader
	mapItem func(channel.Item) intake.Item
}

func (s *readerSource) Name() string { return s.name }

func (s *readerSource) Fetch(ctx context.Context, cp *checkpoint.Checkpoint) ([]intake.Item, error) {
	found, err := s.reader.List(ctx, channel.Query{SinceID: cp.LastSeenID})
	if err != nil {
		return nil, err
	}
	items := make([]intake.Item, 0, len(found))
	for _, f := range found {
		items = append(items, s.mapItem(f))
	}
	return items, nil
}

// NewGmailSource watches for new messages. Wrapper:
// Needs_Action/gmail__<from-slug>__<subject-slug>__<ts>.md.
func NewGmailSource(reader channel.Reader) Source {
	return &readerSource{
		name:   "gmail",
		reader: reader,
		mapItem: func(m channel.Item) intake.Item {
			excerpt := m.Body
			if m.BodyIsHTML {
				excerpt = intake.ExcerptFromHTML(m.Body)
			}
			hasAttachments := false
			if v, ok := m.Raw["has_attachments"].(bool); ok {
				hasAttachments = v
			}
			name := fmt.Sprintf("gmail__%s__%s__%s.md",
				plan.Slugify(m.Sender), plan.Slugify(m.Subject), intake.Timestamp(m.ReceivedAt))
			return intake.Item{
				ID:             m.ID,
				Source:         "gmail",
				ReceivedAt:     m.ReceivedAt,
				FilePath:       path.Join(vault.NeedsActionDir, name),
				Type:           intake.TypeEmail,
				Sender:         m.Sender,
				Subject:        m.Subject,
				Excerpt:        excerpt,
				HasAttachments: hasAttachments,
			}
		},
	}
}

// NewWhatsAppSource watches chat snapshots. Wrapper:
// Social/Inbox/inbox__whatsapp__<ts>__<sender>.md.
func NewWhatsAppSource(reader channel.Reader) Source {
	return &readerSource{
		name:   "whatsapp",
		reader: reader,
		mapItem: func(m channel.Item) intake.Item {
			name := fmt.Sprintf("inbox__whatsapp__%s__%s.md",
				intake.Timestamp(m.ReceivedAt), plan.Slugify(m.Sender))
			return intake.Item{
				ID:         m.ID,
				Source:     "whatsapp",
				ReceivedAt: m.ReceivedAt,
				FilePath:   path.Join(vault.SocialInboxDir, name),
				Type:       intake.TypeMessage,
				Sender:     m.Sender,
				Excerpt:    m.Body,
			}
		},
	}
}

// NewLinkedInSource watches the author's post feed. Wrapper:
// Social/Inbox/inbox__linkedin__<ts>__<id>.md.
func NewLinkedInSource(reader channel.Reader) Source {
	return &readerSource{
		name:   "linkedin",
		reader: reader,
		mapItem: func(m channel.Item) intake.Item {
			name := fmt.Sprintf("inbox__linkedin__%s__%s.md",
				intake.Timestamp(m.ReceivedAt), plan.Slugify(m.ID))
			return intake.Item{
				ID:         m.ID,
				Source:     "linkedin",
				ReceivedAt: m.ReceivedAt,
				FilePath:   path.Join(vault.SocialInboxDir, name),
				Type:       intake.TypePost,
				Sender:     m.Sender,
				Excerpt:    m.Body,
			}
		},
	}
}

// NewInstagramSource watches media comments. Wrapper:
// Social/Inbox/inbox__instagram__<ts>__<id>.md.
func NewInstagramSource(reader channel.Reader) Source {
	return &readerSource{
		name:   "instagram",
		reader: reader,
		mapItem: func(m channel.Item) intake.Item {
			name := fmt.Sprintf("inbox__instagram__%s__%s.md",
				intake.Timestamp(m.ReceivedAt), plan.Slugify(m.ID))
			return intake.Item{
				ID:         m.ID,
				Source:     "instagram",
				ReceivedAt: m.ReceivedAt,
				FilePath:   path.Join(vault.SocialInboxDir, name),
				Type:       intake.TypePost,
				Sender:     m.Sender,
				Subject:    m.Subject,
				Excerpt:    m.Body,
			}
		},
	}
}

// NewOdooSource watches invoice events. Wrapper:
// Business/Accounting/inbox__odoo__<ts>__<object>.md.
func NewOdooSource(reader channel.Reader) Source {
	return &readerSource{
		name:   "odoo",
		reader: reader,
		mapItem: func(m channel.Item) intake.Item {
			name := fmt.Sprintf("inbox__odoo__%s__%s.md",
				intake.Timestamp(m.ReceivedAt), plan.Slugify(m.ID))
			return intake.Item{
				ID:         m.ID,
				Source:     "odoo",
				ReceivedAt: m.ReceivedAt,
				FilePath:   path.Join(vault.AccountingDir, name),
				Type:       intake.TypeInvoiceEvent,
				Sender:     m.Sender,
				Subject:    m.Subject,
				Excerpt:    m.Body,
			}
		},
	}
}
