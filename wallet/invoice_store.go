package wallet

import (
	"sync"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/lntypes"
)

// InvoiceStore caches issued invoices in-process keyed by payment hash so
// that stats and settled-preimage lookups are cheap. The store is a cache
// only, the backend stays authoritative for the paid state: a missing local
// entry never means "unpaid".
type InvoiceStore struct {
	// mtx guards access to invoices.
	mtx sync.Mutex

	// invoices holds the last known record per payment hash.
	invoices map[lntypes.Hash]Invoice

	clock clock.Clock
}

// NewInvoiceStore creates an empty invoice cache.
func NewInvoiceStore(clk clock.Clock) *InvoiceStore {
	if clk == nil {
		clk = clock.NewDefaultClock()
	}
	return &InvoiceStore{
		invoices: make(map[lntypes.Hash]Invoice),
		clock:    clk,
	}
}

// Add inserts or replaces the record for the invoice's payment hash.
func (s *InvoiceStore) Add(invoice *Invoice) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.invoices[invoice.PaymentHash] = *invoice
}

// Get returns a copy of the cached record for the given payment hash.
func (s *InvoiceStore) Get(hash lntypes.Hash) (*Invoice, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	invoice, ok := s.invoices[hash]
	if !ok {
		return nil, false
	}
	return &invoice, true
}

// MarkSettled flips the cached record to settled and records the revealed
// preimage. Settlement is one-way, a settled record is never downgraded.
func (s *InvoiceStore) MarkSettled(hash lntypes.Hash,
	preimage lntypes.Preimage) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	invoice, ok := s.invoices[hash]
	if !ok {
		invoice = Invoice{
			PaymentHash: hash,
			CreatedAt:   s.clock.Now(),
		}
	}
	invoice.Settled = true
	invoice.Preimage = &preimage
	s.invoices[hash] = invoice
}

// Count returns the number of cached records.
func (s *InvoiceStore) Count() int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return len(s.invoices)
}

// Sweep drops unsettled records older than the given horizon and returns how
// many were dropped. Settled records are kept until they age out as well,
// their preimages stay cheap to look up for the macaroon TTL.
func (s *InvoiceStore) Sweep(maxAge time.Duration) int {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	horizon := s.clock.Now().Add(-maxAge)
	var dropped int
	for hash, invoice := range s.invoices {
		if invoice.CreatedAt.Before(horizon) {
			delete(s.invoices, hash)
			dropped++
		}
	}

	if dropped > 0 {
		log.Debugf("Swept %d invoice records older than %v", dropped,
			maxAge)
	}
	return dropped
}
