package channel

// ActionType names one operation an adapter can perform.
type ActionType string

// Gmail actions.
const (
	ActionSendEmail  ActionType = "send_email"
	ActionDraftEmail ActionType = "draft_email"
)

// Social actions.
const (
	ActionPostText    ActionType = "post_text"
	ActionPostImage   ActionType = "post_image"
	ActionSendMessage ActionType = "send_message"
)

// Odoo mutating actions.
const (
	ActionCreateInvoice    ActionType = "create_invoice"
	ActionPostInvoice      ActionType = "post_invoice"
	ActionRegisterPayment  ActionType = "register_payment"
	ActionCreateCreditNote ActionType = "create_credit_note"
	ActionCreateCustomer   ActionType = "create_customer"
)

// Odoo read-only actions.
const (
	ActionListInvoices   ActionType = "list_invoices"
	ActionRevenueSummary ActionType = "revenue_summary"
	ActionARAging        ActionType = "ar_aging"
	ActionListCustomers  ActionType = "list_customers"
)

// Filesystem actions.
const (
	ActionWriteFile  ActionType = "write_file"
	ActionAppendNote ActionType = "append_note"
)

// Spec describes one catalog entry: whether the action mutates external
// state (and therefore requires human approval) and whether it is
// no-retry (monetary idempotency; every retry layer must honor it).
type Spec struct {
	Channel  Channel
	Action   ActionType
	Mutating bool
	NoRetry  bool
}

// catalog is the authoritative per-channel action table.
var catalog = []Spec{
	{Gmail, ActionSendEmail, true, false},
	{Gmail, ActionDraftEmail, true, false},

	{LinkedIn, ActionPostText, true, false},
	{LinkedIn, ActionPostImage, true, false},

	{Instagram, ActionPostImage, true, false},

	{WhatsApp, ActionSendMessage, true, false},

	{Twitter, ActionPostText, true, false},

	{Odoo, ActionCreateInvoice, true, false},
	{Odoo, ActionPostInvoice, true, true},
	{Odoo, ActionRegisterPayment, true, true},
	{Odoo, ActionCreateCreditNote, true, false},
	{Odoo, ActionCreateCustomer, true, false},
	{Odoo, ActionListInvoices, false, false},
	{Odoo, ActionRevenueSummary, false, false},
	{Odoo, ActionARAging, false, false},
	{Odoo, ActionListCustomers, false, false},

	{Filesystem, ActionWriteFile, true, false},
	{Filesystem, ActionAppendNote, true, false},
}

// Lookup returns the catalog entry for a (channel, action) pair.
func Lookup(c Channel, a ActionType) (Spec, bool) {
	for _, s := range catalog {
		if s.Channel == c && s.Action == a {
			return s, true
		}
	}
	return Spec{}, false
}

// Mutating reports whether the action requires human approval. Unknown
// actions report true so nothing unrecognized slips past the gate.
func Mutating(c Channel, a ActionType) bool {
	s, ok := Lookup(c, a)
	if !ok {
		return true
	}
	return s.Mutating
}

// NoRetry reports whether the action must be attempted at most once per
// plan regardless of transient errors.
func NoRetry(c Channel, a ActionType) bool {
	s, ok := Lookup(c, a)
	return ok && s.NoRetry
}
