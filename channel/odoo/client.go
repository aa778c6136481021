// Package odoo bridges the executor to an Odoo instance over JSON-RPC:
// invoicing, payments, and the read-only accounting queries the daily
// cycle and the odoo watcher use. register_payment and post_invoice are
// no-retry actions; this adapter never retries internally.
package odoo

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/c360studio/valet/channel/rest"
	"github.com/c360studio/valet/fault"
	"github.com/c360studio/valet/secrets"
)

// credentials is the stored odoo_credentials.json shape.
type credentials struct {
	URL      string `json:"url"`
	Database string `json:"database"`
	Username string `json:"username"`
	APIKey   string `json:"api_key"`
}

// client speaks Odoo's external JSON-RPC API. The authenticated uid is
// resolved once per process and reused.
type client struct {
	rest  *rest.Client
	creds credentials

	mu  sync.Mutex
	uid int
}

var rpcID atomic.Int64

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int64  `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func newClient(creds credentials) *client {
	return &client{
		rest:  rest.NewClient(rest.DefaultTimeout, 2, 4),
		creds: creds,
	}
}

// call performs one JSON-RPC call against /jsonrpc and decodes the
// result into out. Odoo reports application failures inside an HTTP 200
// envelope; those are classified by exception name, never retried here.
func (c *client) call(ctx context.Context, service, method string, args []any, out any) error {
	req := rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params: map[string]any{
			"service": service,
			"method":  method,
			"args":    args,
		},
		ID: rpcID.Add(1),
	}
	resp, err := c.rest.DoJSON(ctx, http.MethodPost, strings.TrimRight(c.creds.URL, "/")+"/jsonrpc", nil, req)
	if err != nil {
		return err
	}
	if ferr := fault.FromHTTPStatus(resp.Status, "odoo /jsonrpc"); ferr != nil {
		return ferr
	}

	var envelope struct {
		Error  *rpcError       `json:"error"`
		Result json.RawMessage `json:"result"`
	}
	if err := resp.Decode(&envelope); err != nil {
		return err
	}
	if envelope.Error != nil {
		return classifyRPC(envelope.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(envelope.Result, out); err != nil {
		return fault.Wrap(fault.KindPermanent, "decode odoo result", err)
	}
	return nil
}

func classifyRPC(e *rpcError) error {
	name := e.Data.Name
	msg := e.Data.Message
	if msg == "" {
		msg = e.Message
	}
	switch {
	case strings.Contains(name, "AccessDenied"), strings.Contains(name, "AccessError"):
		return fault.Newf(fault.KindAuth, "odoo: %s", msg)
	case strings.Contains(name, "ValidationError"), strings.Contains(name, "UserError"),
		strings.Contains(name, "MissingError"):
		return fault.Newf(fault.KindPrecondition, "odoo: %s", msg)
	default:
		return fault.Newf(fault.KindPermanent, "odoo: %s", msg)
	}
}

// authenticate resolves the session uid, once.
func (c *client) authenticate(ctx context.Context) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.uid != 0 {
		return c.uid, nil
	}
	var uid int
	err := c.call(ctx, "common", "authenticate",
		[]any{c.creds.Database, c.creds.Username, c.creds.APIKey, map[string]any{}}, &uid)
	if err != nil {
		return 0, err
	}
	if uid == 0 {
		return 0, fault.New(fault.KindAuth, "odoo rejected credentials")
	}
	c.uid = uid
	return uid, nil
}

// executeKw invokes model.method through the object service.
func (c *client) executeKw(ctx context.Context, model, method string, args []any, kwargs map[string]any, out any) error {
	uid, err := c.authenticate(ctx)
	if err != nil {
		return err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return c.call(ctx, "object", "execute_kw",
		[]any{c.creds.Database, uid, c.creds.APIKey, model, method, args, kwargs}, out)
}

func loadCredentials(store *secrets.Store) (credentials, error) {
	var creds credentials
	if err := store.Load(secrets.OdooCredentials, &creds); err != nil {
		return credentials{}, err
	}
	if creds.URL == "" || creds.Database == "" || creds.APIKey == "" {
		return credentials{}, fault.New(fault.KindAuth, "odoo credentials incomplete")
	}
	return creds, nil
}
