package wallet

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

// MockWallet is an in-memory Wallet that mints real preimage/hash pairs but
// no payable invoices. It backs tests and the demo mode.
type MockWallet struct {
	mtx       sync.Mutex
	store     *InvoiceStore
	preimages map[lntypes.Hash]lntypes.Preimage
	clock     clock.Clock

	// AutoSettle marks every minted invoice as settled immediately,
	// which lets a client "pay" by asking the wallet for the preimage.
	AutoSettle bool

	// failCreate forces CreateInvoice to error, for fail-open tests.
	failCreate error
}

// A compile time flag to ensure the MockWallet satisfies the Wallet
// interface.
var _ Wallet = (*MockWallet)(nil)

// NewMockWallet creates a mock wallet.
func NewMockWallet(clk clock.Clock) *MockWallet {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &MockWallet{
		store:     NewInvoiceStore(clk),
		preimages: make(map[lntypes.Hash]lntypes.Preimage),
		clock:     clk,
	}
}

// CreateInvoice mints a fresh preimage, derives the payment hash from it and
// fabricates a bolt-11 looking payment request.
//
// NOTE: This is part of the Wallet interface.
func (w *MockWallet) CreateInvoice(_ context.Context, amountSats int64,
	description string) (*Invoice, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	if w.failCreate != nil {
		return nil, w.failCreate
	}

	var preimageBytes [lntypes.PreimageSize]byte
	if _, err := rand.Read(preimageBytes[:]); err != nil {
		return nil, err
	}
	preimage := lntypes.Preimage(preimageBytes)
	hash := preimage.Hash()

	invoice := &Invoice{
		PaymentHash:    hash,
		PaymentRequest: fmt.Sprintf("lnbcrt%d0n1mock%x", amountSats,
			hash[:8]),
		AmountSats:  amountSats,
		Description: description,
		CreatedAt:   w.clock.Now(),
	}
	w.preimages[hash] = preimage
	w.store.Add(invoice)

	if w.AutoSettle {
		w.store.MarkSettled(hash, preimage)
	}

	return invoice, nil
}

// LookupInvoice returns the stored record for the given payment hash.
//
// NOTE: This is part of the Wallet interface.
func (w *MockWallet) LookupInvoice(_ context.Context,
	hash lntypes.Hash) (*Invoice, error) {

	invoice, ok := w.store.Get(hash)
	if !ok {
		return nil, fmt.Errorf("no invoice found for hash=%v", hash)
	}
	return invoice, nil
}

// Settle marks the invoice as paid and returns the preimage, simulating a
// client completing the payment.
func (w *MockWallet) Settle(hash lntypes.Hash) (lntypes.Preimage, error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	preimage, ok := w.preimages[hash]
	if !ok {
		return lntypes.Preimage{}, fmt.Errorf("no invoice found for "+
			"hash=%v", hash)
	}
	w.store.MarkSettled(hash, preimage)
	return preimage, nil
}

// FailNextCreate makes all further CreateInvoice calls return the given
// error until called with nil again.
func (w *MockWallet) FailNextCreate(err error) {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	w.failCreate = err
}

// Store exposes the invoice cache for stats and sweeping.
func (w *MockWallet) Store() *InvoiceStore {
	return w.store
}

// Stop is a no-op for the mock.
//
// NOTE: This is part of the Wallet interface.
func (w *MockWallet) Stop() {}
