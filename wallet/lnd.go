package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"google.golang.org/grpc"
)

const (
	// defaultRPCTimeout is the envelope we impose on every backend call
	// on top of whatever deadline the caller carries.
	defaultRPCTimeout = 15 * time.Second
)

// InvoiceClient is the part of the full lnd RPC surface the wallet adapter
// needs, namely minting invoices and looking up their settlement state.
type InvoiceClient interface {
	// AddInvoice adds a new invoice to lnd.
	AddInvoice(ctx context.Context, in *lnrpc.Invoice,
		opts ...grpc.CallOption) (*lnrpc.AddInvoiceResponse, error)

	// LookupInvoice returns an invoice known to lnd by its payment hash.
	LookupInvoice(ctx context.Context, in *lnrpc.PaymentHash,
		opts ...grpc.CallOption) (*lnrpc.Invoice, error)
}

// LndWallet is a Wallet backed by an lnd node reached over gRPC.
type LndWallet struct {
	client InvoiceClient
	conn   *grpc.ClientConn
	store  *InvoiceStore
	clock  clock.Clock
}

// A compile time flag to ensure the LndWallet satisfies the Wallet
// interface.
var _ Wallet = (*LndWallet)(nil)

// NewLndWallet connects to the given lnd instance and returns a wallet
// adapter backed by it.
func NewLndWallet(lndHost, tlsPath, macDir, network string) (*LndWallet,
	error) {

	conn, err := lndclient.NewBasicConn(lndHost, tlsPath, macDir, network)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to lnd: %w", err)
	}

	return &LndWallet{
		client: lnrpc.NewLightningClient(conn),
		conn:   conn,
		store:  NewInvoiceStore(clock.NewDefaultClock()),
		clock:  clock.NewDefaultClock(),
	}, nil
}

// NewLndWalletFromClient wraps an existing invoice client, used by tests.
func NewLndWalletFromClient(client InvoiceClient,
	clk clock.Clock) *LndWallet {

	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &LndWallet{
		client: client,
		store:  NewInvoiceStore(clk),
		clock:  clk,
	}
}

// CreateInvoice mints a new invoice over the given amount on the backing
// node.
//
// NOTE: This is part of the Wallet interface.
func (w *LndWallet) CreateInvoice(ctx context.Context, amountSats int64,
	description string) (*Invoice, error) {

	ctxt, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	resp, err := w.client.AddInvoice(ctxt, &lnrpc.Invoice{
		Memo:  description,
		Value: amountSats,
	})
	if err != nil {
		return nil, fmt.Errorf("error adding invoice: %w", err)
	}

	// The backend has to surface the true payment hash. Deriving one
	// from the invoice string instead would break preimage verification,
	// so a response without it is an error, not something to paper over.
	paymentHash, err := lntypes.MakeHash(resp.RHash)
	if err != nil {
		return nil, fmt.Errorf("backend returned no usable payment "+
			"hash: %w", err)
	}

	invoice := &Invoice{
		PaymentHash:    paymentHash,
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     amountSats,
		Description:    description,
		CreatedAt:      w.clock.Now(),
	}
	w.store.Add(invoice)

	log.Debugf("Minted invoice pay_hash=%v amount=%d sats", paymentHash,
		amountSats)
	return invoice, nil
}

// LookupInvoice returns the settlement state of an invoice. A cached settled
// record short-circuits the backend call, everything else is answered by the
// backend and folded back into the cache.
//
// NOTE: This is part of the Wallet interface.
func (w *LndWallet) LookupInvoice(ctx context.Context,
	hash lntypes.Hash) (*Invoice, error) {

	if cached, ok := w.store.Get(hash); ok && cached.Settled {
		return cached, nil
	}

	ctxt, cancel := context.WithTimeout(ctx, defaultRPCTimeout)
	defer cancel()

	resp, err := w.client.LookupInvoice(ctxt, &lnrpc.PaymentHash{
		RHash: hash[:],
	})
	if err != nil {
		return nil, fmt.Errorf("error looking up invoice: %w", err)
	}

	invoice := &Invoice{
		PaymentHash:    hash,
		PaymentRequest: resp.PaymentRequest,
		AmountSats:     resp.Value,
		Description:    resp.Memo,
		CreatedAt:      time.Unix(resp.CreationDate, 0),
	}
	if resp.State == lnrpc.Invoice_SETTLED {
		preimage, err := lntypes.MakePreimage(resp.RPreimage)
		if err != nil {
			return nil, fmt.Errorf("error parsing preimage: %w",
				err)
		}
		invoice.Settled = true
		invoice.Preimage = &preimage
		w.store.MarkSettled(hash, preimage)
	} else {
		w.store.Add(invoice)
	}

	return invoice, nil
}

// Store exposes the invoice cache for stats and sweeping.
func (w *LndWallet) Store() *InvoiceStore {
	return w.store
}

// Stop releases the backend connection.
//
// NOTE: This is part of the Wallet interface.
func (w *LndWallet) Stop() {
	if w.conn == nil {
		return
	}
	if err := w.conn.Close(); err != nil {
		log.Errorf("Error closing lnd connection: %v", err)
	}
}
