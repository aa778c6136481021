package whatsapp

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
)

// ParseSnapshot extracts messages from a WhatsApp Web DOM snapshot. The
// bridge dumps the rendered chat pane as HTML; message rows carry a
// data-id attribute (the wire message id) plus data-chat, data-sender,
// and data-t (unix seconds). The item ID is "<chatID>/<dataID>" so the
// same wire id appearing in two chats dedupes independently.
func ParseSnapshot(r io.Reader) ([]channel.Item, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fault.Wrap(fault.KindPermanent, "parse DOM snapshot", err)
	}

	var items []channel.Item
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			if id := attr(n, "data-id"); id != "" {
				if item, ok := messageFromNode(n, id); ok {
					items = append(items, item)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	// Snapshot order follows DOM order, which WhatsApp renders oldest
	// first; keep that stable even if the bridge reorders panes.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].ReceivedAt.Before(items[j].ReceivedAt)
	})
	return items, nil
}

func messageFromNode(n *html.Node, dataID string) (channel.Item, bool) {
	chatID := attr(n, "data-chat")
	if chatID == "" {
		// Bridge snapshots without an explicit chat attribute encode the
		// chat JID inside the data-id ("false_<jid>_<hash>").
		parts := strings.Split(dataID, "_")
		if len(parts) >= 2 {
			chatID = parts[1]
		}
	}
	if chatID == "" {
		return channel.Item{}, false
	}

	item := channel.Item{
		ID:     fmt.Sprintf("%s/%s", chatID, dataID),
		Sender: attr(n, "data-sender"),
		Body:   strings.TrimSpace(textContent(n)),
		Raw:    map[string]any{"chat_id": chatID, "data_id": dataID},
	}
	if item.Sender == "" {
		item.Sender = chatID
	}
	if ts := attr(n, "data-t"); ts != "" {
		if sec, err := strconv.ParseInt(ts, 10, 64); err == nil {
			item.ReceivedAt = time.Unix(sec, 0).UTC()
		}
	}
	if item.Body == "" {
		return channel.Item{}, false
	}
	return item, true
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var b strings.Builder
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}
