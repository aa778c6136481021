package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/c360studio/valet/channel"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

// InvoiceLine is one line of a customer invoice.
type InvoiceLine struct {
	Description string  `json:"description" validate:"required"`
	Quantity    float64 `json:"quantity" validate:"required,gt=0"`
	UnitPrice   float64 `json:"unit_price" validate:"required,gt=0"`
}

// InvoicePayload is the payload variant for create_invoice.
type InvoicePayload struct {
	CustomerID  int           `json:"customer_id" validate:"required,gt=0"`
	Lines       []InvoiceLine `json:"lines" validate:"required,min=1,dive"`
	InvoiceDate string        `json:"invoice_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
}

// InvoiceRefPayload targets one existing invoice (post_invoice,
// create_credit_note).
type InvoiceRefPayload struct {
	InvoiceID int    `json:"invoice_id" validate:"required,gt=0"`
	Reason    string `json:"reason,omitempty"`
}

// PaymentPayload is the payload variant for register_payment.
type PaymentPayload struct {
	InvoiceID int     `json:"invoice_id" validate:"required,gt=0"`
	Amount    float64 `json:"amount" validate:"required,gt=0"`
	Journal   string  `json:"journal,omitempty"`
}

// CustomerPayload is the payload variant for create_customer.
type CustomerPayload struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email,omitempty" validate:"omitempty,email"`
	Phone string `json:"phone,omitempty"`
}

// QueryPayload covers the read-only actions.
type QueryPayload struct {
	State string `json:"state,omitempty" validate:"omitempty,oneof=draft posted paid"`
	From  string `json:"from,omitempty" validate:"omitempty,datetime=2006-01-02"`
	To    string `json:"to,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,gt=0,lte=200"`
}

// Adapter implements channel.Adapter and channel.Reader for Odoo.
type Adapter struct {
	mode  channel.Mode
	store *secrets.Store

	once   sync.Once
	rpc    *client
	rpcErr error
}

// NewAdapter creates the odoo adapter. Credentials are loaded lazily on
// the first outbound call.
func NewAdapter(store *secrets.Store, mode channel.Mode) *Adapter {
	return &Adapter{mode: mode, store: store}
}

// Channel returns channel.Odoo.
func (a *Adapter) Channel() channel.Channel { return channel.Odoo }

// Capabilities reports whether a credential blob is present. It does
// not authenticate; that happens on the first call.
func (a *Adapter) Capabilities(ctx context.Context) (channel.Capabilities, error) {
	if a.mode == channel.ModeMock {
		return channel.Capabilities{Authenticated: true, CanRead: true, CanWrite: true}, nil
	}
	creds, err := loadCredentials(a.store)
	if err != nil {
		return channel.Capabilities{}, nil
	}
	return channel.Capabilities{
		Authenticated:   true,
		CanRead:         true,
		CanWrite:        true,
		DisplayIdentity: creds.Username,
	}, nil
}

func (a *Adapter) conn() (*client, error) {
	a.once.Do(func() {
		creds, err := loadCredentials(a.store)
		if err != nil {
			a.rpcErr = err
			return
		}
		a.rpc = newClient(creds)
	})
	return a.rpc, a.rpcErr
}

// DryRun validates the payload and describes the would-be call. For
// register_payment the preview names the amount and invoice so the
// approver sees exactly what money moves.
func (a *Adapter) DryRun(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Preview, error) {
	switch action {
	case channel.ActionCreateInvoice:
		var p InvoicePayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		var total float64
		for _, l := range p.Lines {
			total += l.Quantity * l.UnitPrice
		}
		return channel.Preview{
			Summary: fmt.Sprintf("Create invoice for customer %d: %d lines, total %.2f", p.CustomerID, len(p.Lines), total),
			Detail:  map[string]any{"customer_id": p.CustomerID, "lines": len(p.Lines), "total": total},
		}, nil

	case channel.ActionPostInvoice:
		var p InvoiceRefPayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		return channel.Preview{
			Summary: fmt.Sprintf("Post invoice %d (no-retry: attempted at most once)", p.InvoiceID),
			Detail:  map[string]any{"invoice_id": p.InvoiceID, "no_retry": true},
		}, nil

	case channel.ActionRegisterPayment:
		var p PaymentPayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		return channel.Preview{
			Summary: fmt.Sprintf("Register payment of %.2f against invoice %d (no-retry: attempted at most once)", p.Amount, p.InvoiceID),
			Detail:  map[string]any{"invoice_id": p.InvoiceID, "amount": p.Amount, "no_retry": true},
		}, nil

	case channel.ActionCreateCreditNote:
		var p InvoiceRefPayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		return channel.Preview{
			Summary: fmt.Sprintf("Create credit note reversing invoice %d", p.InvoiceID),
			Detail:  map[string]any{"invoice_id": p.InvoiceID, "reason": p.Reason},
		}, nil

	case channel.ActionCreateCustomer:
		var p CustomerPayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		return channel.Preview{
			Summary: fmt.Sprintf("Create customer %q", p.Name),
			Detail:  map[string]any{"name": p.Name},
		}, nil

	case channel.ActionListInvoices, channel.ActionRevenueSummary,
		channel.ActionARAging, channel.ActionListCustomers:
		var p QueryPayload
		if err := channel.DecodePayload(payload, &p); err != nil {
			return channel.Preview{}, err
		}
		return channel.Preview{Summary: fmt.Sprintf("Read-only query: %s", action)}, nil
	}
	return channel.Preview{}, fault.Newf(fault.KindPrecondition, "odoo does not support action %s", action)
}

// Execute performs the call. No internal retries: the executor owns
// retry policy, and the no-retry actions must reach the upstream at
// most once per plan.
func (a *Adapter) Execute(ctx context.Context, action channel.ActionType, payload json.RawMessage) (channel.Result, error) {
	// Re-validate; the payload is untrusted until decoded.
	if _, err := a.DryRun(ctx, action, payload); err != nil {
		return channel.Result{}, err
	}

	if a.mode == channel.ModeMock {
		return channel.Result{
			ObjectRef:    fmt.Sprintf("mock-odoo-%s-%d", action, time.Now().UnixNano()),
			EndpointUsed: "jsonrpc/execute_kw",
		}, nil
	}

	rpc, err := a.conn()
	if err != nil {
		return channel.Result{}, err
	}

	switch action {
	case channel.ActionCreateInvoice:
		var p InvoicePayload
		_ = json.Unmarshal(payload, &p)
		return a.createInvoice(ctx, rpc, &p)
	case channel.ActionPostInvoice:
		var p InvoiceRefPayload
		_ = json.Unmarshal(payload, &p)
		return a.postInvoice(ctx, rpc, &p)
	case channel.ActionRegisterPayment:
		var p PaymentPayload
		_ = json.Unmarshal(payload, &p)
		return a.registerPayment(ctx, rpc, &p)
	case channel.ActionCreateCreditNote:
		var p InvoiceRefPayload
		_ = json.Unmarshal(payload, &p)
		return a.createCreditNote(ctx, rpc, &p)
	case channel.ActionCreateCustomer:
		var p CustomerPayload
		_ = json.Unmarshal(payload, &p)
		return a.createCustomer(ctx, rpc, &p)
	case channel.ActionListInvoices:
		var p QueryPayload
		_ = json.Unmarshal(payload, &p)
		return a.listInvoices(ctx, rpc, &p)
	case channel.ActionRevenueSummary:
		var p QueryPayload
		_ = json.Unmarshal(payload, &p)
		return a.revenueSummary(ctx, rpc, &p)
	case channel.ActionARAging:
		return a.arAging(ctx, rpc)
	case channel.ActionListCustomers:
		var p QueryPayload
		_ = json.Unmarshal(payload, &p)
		return a.listCustomers(ctx, rpc, &p)
	}
	return channel.Result{}, fault.Newf(fault.KindPrecondition, "odoo does not support action %s", action)
}

func (a *Adapter) createInvoice(ctx context.Context, rpc *client, p *InvoicePayload) (channel.Result, error) {
	lines := make([]any, 0, len(p.Lines))
	for _, l := range p.Lines {
		lines = append(lines, []any{0, 0, map[string]any{
			"name":       l.Description,
			"quantity":   l.Quantity,
			"price_unit": l.UnitPrice,
		}})
	}
	values := map[string]any{
		"move_type":        "out_invoice",
		"partner_id":       p.CustomerID,
		"invoice_line_ids": lines,
	}
	if p.InvoiceDate != "" {
		values["invoice_date"] = p.InvoiceDate
	}
	var id int
	if err := rpc.executeKw(ctx, "account.move", "create", []any{values}, nil, &id); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		ObjectRef:    fmt.Sprintf("account.move/%d", id),
		EndpointUsed: "jsonrpc/execute_kw",
	}, nil
}

func (a *Adapter) postInvoice(ctx context.Context, rpc *client, p *InvoiceRefPayload) (channel.Result, error) {
	if err := rpc.executeKw(ctx, "account.move", "action_post", []any{[]int{p.InvoiceID}}, nil, nil); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		ObjectRef:    fmt.Sprintf("account.move/%d", p.InvoiceID),
		EndpointUsed: "jsonrpc/execute_kw",
	}, nil
}

func (a *Adapter) registerPayment(ctx context.Context, rpc *client, p *PaymentPayload) (channel.Result, error) {
	values := map[string]any{"amount": p.Amount}
	if p.Journal != "" {
		values["journal_id"] = p.Journal
	}
	var wizardID int
	err := rpc.executeKw(ctx, "account.payment.register", "create", []any{values},
		map[string]any{"context": map[string]any{
			"active_model": "account.move",
			"active_ids":   []int{p.InvoiceID},
		}}, &wizardID)
	if err != nil {
		return channel.Result{}, err
	}
	if err := rpc.executeKw(ctx, "account.payment.register", "action_create_payments",
		[]any{[]int{wizardID}}, nil, nil); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		ObjectRef:    fmt.Sprintf("account.move/%d/payment", p.InvoiceID),
		EndpointUsed: "jsonrpc/execute_kw",
		Detail:       map[string]any{"amount": p.Amount},
	}, nil
}

func (a *Adapter) createCreditNote(ctx context.Context, rpc *client, p *InvoiceRefPayload) (channel.Result, error) {
	values := map[string]any{}
	if p.Reason != "" {
		values["reason"] = p.Reason
	}
	var ids []int
	err := rpc.executeKw(ctx, "account.move", "_reverse_moves", []any{[]int{p.InvoiceID}, []any{values}}, nil, &ids)
	if err != nil {
		return channel.Result{}, err
	}
	ref := fmt.Sprintf("account.move/%d/reversal", p.InvoiceID)
	if len(ids) > 0 {
		ref = fmt.Sprintf("account.move/%d", ids[0])
	}
	return channel.Result{ObjectRef: ref, EndpointUsed: "jsonrpc/execute_kw"}, nil
}

func (a *Adapter) createCustomer(ctx context.Context, rpc *client, p *CustomerPayload) (channel.Result, error) {
	values := map[string]any{"name": p.Name, "customer_rank": 1}
	if p.Email != "" {
		values["email"] = p.Email
	}
	if p.Phone != "" {
		values["phone"] = p.Phone
	}
	var id int
	if err := rpc.executeKw(ctx, "res.partner", "create", []any{values}, nil, &id); err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		ObjectRef:    fmt.Sprintf("res.partner/%d", id),
		EndpointUsed: "jsonrpc/execute_kw",
	}, nil
}

// invoiceRecord is the field subset the read paths fetch.
type invoiceRecord struct {
	ID             int     `json:"id"`
	Name           string  `json:"name"`
	PartnerName    string  `json:"invoice_partner_display_name"`
	AmountTotal    float64 `json:"amount_total"`
	AmountResidual float64 `json:"amount_residual"`
	State          string  `json:"state"`
	PaymentState   string  `json:"payment_state"`
	InvoiceDate    string  `json:"invoice_date"`
	DueDate        string  `json:"invoice_date_due"`
}

var invoiceFields = []string{
	"name", "invoice_partner_display_name", "amount_total",
	"amount_residual", "state", "payment_state", "invoice_date",
	"invoice_date_due",
}

func (a *Adapter) searchInvoices(ctx context.Context, rpc *client, domain []any, limit int) ([]invoiceRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var records []invoiceRecord
	err := rpc.executeKw(ctx, "account.move", "search_read",
		[]any{domain},
		map[string]any{"fields": invoiceFields, "limit": limit, "order": "invoice_date desc"},
		&records)
	return records, err
}

func (a *Adapter) listInvoices(ctx context.Context, rpc *client, p *QueryPayload) (channel.Result, error) {
	domain := []any{[]any{"move_type", "=", "out_invoice"}}
	if p.State != "" {
		domain = append(domain, []any{"state", "=", p.State})
	}
	records, err := a.searchInvoices(ctx, rpc, domain, p.Limit)
	if err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		EndpointUsed: "jsonrpc/execute_kw",
		Detail:       map[string]any{"invoices": records, "count": len(records)},
	}, nil
}

func (a *Adapter) revenueSummary(ctx context.Context, rpc *client, p *QueryPayload) (channel.Result, error) {
	domain := []any{
		[]any{"move_type", "=", "out_invoice"},
		[]any{"state", "=", "posted"},
	}
	if p.From != "" {
		domain = append(domain, []any{"invoice_date", ">=", p.From})
	}
	if p.To != "" {
		domain = append(domain, []any{"invoice_date", "<=", p.To})
	}
	records, err := a.searchInvoices(ctx, rpc, domain, 200)
	if err != nil {
		return channel.Result{}, err
	}
	var invoiced, outstanding float64
	for _, r := range records {
		invoiced += r.AmountTotal
		outstanding += r.AmountResidual
	}
	return channel.Result{
		EndpointUsed: "jsonrpc/execute_kw",
		Detail: map[string]any{
			"invoiced":    invoiced,
			"collected":   invoiced - outstanding,
			"outstanding": outstanding,
			"count":       len(records),
		},
	}, nil
}

// arAging buckets open receivables by days past due.
func (a *Adapter) arAging(ctx context.Context, rpc *client) (channel.Result, error) {
	domain := []any{
		[]any{"move_type", "=", "out_invoice"},
		[]any{"state", "=", "posted"},
		[]any{"payment_state", "in", []string{"not_paid", "partial"}},
	}
	records, err := a.searchInvoices(ctx, rpc, domain, 200)
	if err != nil {
		return channel.Result{}, err
	}
	buckets := map[string]float64{"current": 0, "1-30": 0, "31-60": 0, "61-90": 0, "90+": 0}
	now := time.Now().UTC()
	for _, r := range records {
		due, err := time.Parse("2006-01-02", r.DueDate)
		if err != nil {
			buckets["current"] += r.AmountResidual
			continue
		}
		days := int(now.Sub(due).Hours() / 24)
		switch {
		case days <= 0:
			buckets["current"] += r.AmountResidual
		case days <= 30:
			buckets["1-30"] += r.AmountResidual
		case days <= 60:
			buckets["31-60"] += r.AmountResidual
		case days <= 90:
			buckets["61-90"] += r.AmountResidual
		default:
			buckets["90+"] += r.AmountResidual
		}
	}
	return channel.Result{
		EndpointUsed: "jsonrpc/execute_kw",
		Detail:       map[string]any{"buckets": buckets, "open_invoices": len(records)},
	}, nil
}

func (a *Adapter) listCustomers(ctx context.Context, rpc *client, p *QueryPayload) (channel.Result, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	var records []struct {
		ID    int    `json:"id"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	err := rpc.executeKw(ctx, "res.partner", "search_read",
		[]any{[]any{[]any{"customer_rank", ">", 0}}},
		map[string]any{"fields": []string{"name", "email"}, "limit": limit},
		&records)
	if err != nil {
		return channel.Result{}, err
	}
	return channel.Result{
		EndpointUsed: "jsonrpc/execute_kw",
		Detail:       map[string]any{"customers": records, "count": len(records)},
	}, nil
}

// List surfaces recently changed invoices for the odoo watcher: posted
// invoices and payment-state changes become invoice_event intakes.
func (a *Adapter) List(ctx context.Context, q channel.Query) ([]channel.Item, error) {
	if a.mode == channel.ModeMock {
		return mockInvoiceEvents(q), nil
	}
	rpc, err := a.conn()
	if err != nil {
		return nil, err
	}
	domain := []any{
		[]any{"move_type", "=", "out_invoice"},
		[]any{"state", "=", "posted"},
	}
	if !q.Since.IsZero() {
		domain = append(domain, []any{"write_date", ">=", q.Since.UTC().Format("2006-01-02 15:04:05")})
	}
	records, err := a.searchInvoices(ctx, rpc, domain, q.Limit)
	if err != nil {
		return nil, err
	}
	items := make([]channel.Item, 0, len(records))
	for _, r := range records {
		if !afterCursor(r.ID, q.SinceID) {
			continue
		}
		items = append(items, invoiceItem(r))
	}
	return items, nil
}

// afterCursor compares ids numerically: odoo ids are integers, so a
// string comparison would skip every id with more digits than the
// cursor. An unparseable cursor filters nothing.
func afterCursor(id int, sinceID string) bool {
	if sinceID == "" {
		return true
	}
	n, err := strconv.Atoi(sinceID)
	if err != nil {
		return true
	}
	return id > n
}

// Read fetches one invoice by id.
func (a *Adapter) Read(ctx context.Context, id string) (channel.Item, error) {
	if a.mode == channel.ModeMock {
		for _, it := range mockInvoiceEvents(channel.Query{}) {
			if it.ID == id {
				return it, nil
			}
		}
		return channel.Item{}, fault.Newf(fault.KindPermanent, "mock invoice %s not found", id)
	}
	rpc, err := a.conn()
	if err != nil {
		return channel.Item{}, err
	}
	var numericID int
	if _, err := fmt.Sscan(id, &numericID); err != nil {
		return channel.Item{}, fault.Newf(fault.KindPrecondition, "invalid invoice id %q", id)
	}
	records, err := a.searchInvoices(ctx, rpc, []any{[]any{"id", "=", numericID}}, 1)
	if err != nil {
		return channel.Item{}, err
	}
	if len(records) == 0 {
		return channel.Item{}, fault.Newf(fault.KindPermanent, "invoice %d not found", numericID)
	}
	return invoiceItem(records[0]), nil
}

func invoiceItem(r invoiceRecord) channel.Item {
	item := channel.Item{
		ID:      fmt.Sprintf("%d", r.ID),
		Sender:  r.PartnerName,
		Subject: fmt.Sprintf("%s %s", r.Name, r.PaymentState),
		Body: fmt.Sprintf("Invoice %s for %s: total %.2f, outstanding %.2f, payment state %s",
			r.Name, r.PartnerName, r.AmountTotal, r.AmountResidual, r.PaymentState),
		Raw: map[string]any{
			"state":         r.State,
			"payment_state": r.PaymentState,
			"amount_total":  r.AmountTotal,
		},
	}
	if t, err := time.Parse("2006-01-02", r.InvoiceDate); err == nil {
		item.ReceivedAt = t.UTC()
	}
	return item
}

func mockInvoiceEvents(q channel.Query) []channel.Item {
	records := []invoiceRecord{
		{
			ID: 101, Name: "INV/2026/0101", PartnerName: "Acme GmbH",
			AmountTotal: 1200, AmountResidual: 1200,
			State: "posted", PaymentState: "not_paid", InvoiceDate: "2026-02-10",
		},
		{
			ID: 102, Name: "INV/2026/0102", PartnerName: "Globex Ltd",
			AmountTotal: 850, AmountResidual: 0,
			State: "posted", PaymentState: "paid", InvoiceDate: "2026-02-12",
		},
	}
	var items []channel.Item
	for _, r := range records {
		if !afterCursor(r.ID, q.SinceID) {
			continue
		}
		items = append(items, invoiceItem(r))
	}
	return items
}
