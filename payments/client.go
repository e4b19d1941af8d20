// Package payments implements the per-keypair client to the metered
// payment protocol spoken by the builtin wallet workload. Requests and
// responses travel as encrypted envelopes over the broadcast transport.
package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/enclaved-org/enclaved/interfaces"
	"github.com/enclaved-org/enclaved/relay"
	"github.com/enclaved-org/enclaved/signer"
	"github.com/enclaved-org/enclaved/wire"
)

// Wallet protocol envelope kinds.
const (
	KindWalletRequest      = 23194
	KindWalletResponse     = 23195
	KindWalletNotification = 23196
)

// Wallet protocol error codes. INSUFFICIENT_BALANCE is the only
// definitive billing failure; everything else is transient to callers.
const (
	codeInsufficientBalance = "INSUFFICIENT_BALANCE"
	codeNotFound            = "NOT_FOUND"
)

const requestTimeout = 20 * time.Second

type walletRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type walletResponse struct {
	ResultType string          `json:"result_type"`
	Error      *walletError    `json:"error,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
}

type walletError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Client talks to the wallet on behalf of one keypair.
type Client struct {
	signer *signer.PrivateKeySigner
	wallet interfaces.Pubkey
	relay  *relay.Relay
	log    *slog.Logger

	mu      sync.Mutex
	pending map[string]chan *wire.Envelope
	unsub   func()
	closed  bool
}

func newClient(sgn *signer.PrivateKeySigner, wallet interfaces.Pubkey, r *relay.Relay, log *slog.Logger, onNotify func(interfaces.Pubkey)) *Client {
	c := &Client{
		signer:  sgn,
		wallet:  wallet,
		relay:   r,
		log:     log.With("wallet_client", sgn.Pubkey()),
		pending: make(map[string]chan *wire.Envelope),
	}

	filter := &wire.Filter{
		Kinds:   []int{KindWalletResponse, KindWalletNotification},
		Authors: []interfaces.Pubkey{wallet},
		PTags:   []interfaces.Pubkey{sgn.Pubkey()},
	}
	c.unsub = r.Subscribe(filter, func(env *wire.Envelope) {
		switch env.Kind {
		case KindWalletResponse:
			c.mu.Lock()
			ch := c.pending[wire.TagValue(env, "e")]
			c.mu.Unlock()
			if ch != nil {
				select {
				case ch <- env:
				default:
				}
			}
		case KindWalletNotification:
			if onNotify != nil {
				onNotify(sgn.Pubkey())
			}
		}
	})
	return c
}

// request performs one wallet round trip and decodes the result into
// out (if non-nil).
func (c *Client) request(ctx context.Context, method string, params any, out any) error {
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshaling wallet params: %w", err)
	}
	body, err := json.Marshal(&walletRequest{Method: method, Params: rawParams})
	if err != nil {
		return fmt.Errorf("marshaling wallet request: %w", err)
	}
	ct, err := c.signer.Encrypt(c.wallet, body)
	if err != nil {
		return fmt.Errorf("encrypting wallet request: %w", err)
	}

	env := &wire.Envelope{
		Kind:    KindWalletRequest,
		Tags:    [][]string{{"p", string(c.wallet)}},
		Content: base64.StdEncoding.EncodeToString(ct),
	}
	if err := wire.Finalize(env, c.signer); err != nil {
		return err
	}

	ch := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.pending[env.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.ID)
		c.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := c.relay.Publish(ctx, env); err != nil {
		return fmt.Errorf("publishing wallet request: %w", err)
	}

	var respEnv *wire.Envelope
	select {
	case respEnv = <-ch:
	case <-ctx.Done():
		return fmt.Errorf("wallet %s: %w", method, ctx.Err())
	}

	ct, err = base64.StdEncoding.DecodeString(respEnv.Content)
	if err != nil {
		return errors.New("malformed wallet response")
	}
	body, err = c.signer.Decrypt(c.wallet, ct)
	if err != nil {
		return fmt.Errorf("decrypting wallet response: %w", err)
	}

	var resp walletResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("unmarshaling wallet response: %w", err)
	}
	if resp.Error != nil {
		return walletErrorFor(resp.Error)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("unmarshaling wallet result: %w", err)
		}
	}
	return nil
}

// walletErrorFor maps protocol error codes onto the error taxonomy.
// The mapping is exact: only INSUFFICIENT_BALANCE pauses a container.
func walletErrorFor(we *walletError) error {
	switch we.Code {
	case codeInsufficientBalance:
		return fmt.Errorf("%w: %s", interfaces.ErrInsufficientBalance, we.Message)
	case codeNotFound:
		return fmt.Errorf("%w: %s", interfaces.ErrInvoiceNotFound, we.Message)
	default:
		return fmt.Errorf("wallet error %s: %s", we.Code, we.Message)
	}
}

func (c *Client) GetBalance(ctx context.Context) (int64, error) {
	var res struct {
		Balance int64 `json:"balance"`
	}
	if err := c.request(ctx, "get_balance", struct{}{}, &res); err != nil {
		return 0, err
	}
	return res.Balance, nil
}

func (c *Client) MakeInvoice(ctx context.Context, amountMsat int64, description string) (*interfaces.Invoice, error) {
	params := map[string]any{"amount": amountMsat, "description": description}
	var inv interfaces.Invoice
	if err := c.request(ctx, "make_invoice", params, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) PayInvoice(ctx context.Context, invoice string) error {
	params := map[string]any{"invoice": invoice}
	return c.request(ctx, "pay_invoice", params, nil)
}

func (c *Client) LookupInvoice(ctx context.Context, paymentHash string) (*interfaces.Invoice, error) {
	params := map[string]any{"payment_hash": paymentHash}
	var inv interfaces.Invoice
	if err := c.request(ctx, "lookup_invoice", params, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func (c *Client) AuthorizePubkey(ctx context.Context, pubkey interfaces.Pubkey) error {
	params := map[string]any{"pubkey": pubkey}
	return c.request(ctx, "add_pubkey", params, nil)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.unsub()
	}
	return nil
}
