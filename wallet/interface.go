package wallet

import (
	"context"
	"crypto/hmac"
	"time"

	"github.com/lightningnetwork/lnd/lntypes"
)

// Invoice is the wallet-internal record of one minted payment challenge.
type Invoice struct {
	// PaymentHash is the SHA-256 of the invoice's payment preimage. It is
	// the macaroon identifier the challenge is bound to.
	PaymentHash lntypes.Hash

	// PaymentRequest is the bolt-11 encoded invoice.
	PaymentRequest string

	// AmountSats is the invoice amount in satoshis.
	AmountSats int64

	// Description is the human readable invoice memo.
	Description string

	// CreatedAt is the mint time.
	CreatedAt time.Time

	// Settled is true once the backend confirmed payment. An invoice
	// never transitions back to unsettled.
	Settled bool

	// Preimage is the revealed payment preimage, present only once the
	// invoice settled.
	Preimage *lntypes.Preimage
}

// Wallet is the narrow invoice interface the admission layer consumes. Any
// bolt-11 invoice provider that surfaces the true payment hash can back it.
type Wallet interface {
	// CreateInvoice mints a new invoice over the given amount. The
	// returned payment hash MUST be the SHA-256 of the invoice's payment
	// preimage, preimage verification depends on it.
	CreateInvoice(ctx context.Context, amountSats int64,
		description string) (*Invoice, error)

	// LookupInvoice returns the current settlement state of an invoice.
	// It is idempotent and safe to call repeatedly.
	LookupInvoice(ctx context.Context, hash lntypes.Hash) (*Invoice,
		error)

	// Stop releases the backend connection.
	Stop()
}

// VerifyPreimage reports whether the given preimage hashes to the given
// payment hash. This is the sole cryptographic proof of payment the
// admission layer accepts.
func VerifyPreimage(preimage lntypes.Preimage, hash lntypes.Hash) bool {
	derived := preimage.Hash()

	// Constant-time compare, the preimage is the bearer secret here.
	return hmac.Equal(derived[:], hash[:])
}
