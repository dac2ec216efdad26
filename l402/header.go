package l402

import (
	"fmt"
	"net/http"
	"regexp"

	"github.com/lightningnetwork/lnd/lntypes"
)

const (
	// HeaderAuthorization is the HTTP header field name that is used to
	// send the L402 credential.
	HeaderAuthorization = "Authorization"
)

var (
	// authRegex matches the L402 authorization scheme. The scheme tag is
	// case insensitive, the macaroon and the preimage are separated by
	// exactly one colon.
	authRegex = regexp.MustCompile(`(?i)^l402 (.+):([a-f0-9]{64})$`)

	authFormat = "L402 %s:%s"
)

// FromHeader tries to extract an L402 credential from the HTTP headers. It
// returns the decoded macaroon and the payment preimage presented with it.
func FromHeader(header *http.Header) (*Macaroon, lntypes.Preimage, error) {
	authHeader := header.Get(HeaderAuthorization)
	if authHeader == "" {
		return nil, lntypes.Preimage{}, fmt.Errorf("no auth header " +
			"provided")
	}

	log.Debugf("Trying to authorize with header value [%s].", authHeader)
	matches := authRegex.FindStringSubmatch(authHeader)
	if len(matches) != 3 {
		return nil, lntypes.Preimage{}, fmt.Errorf("invalid auth "+
			"header format: %s", authHeader)
	}

	macToken, preimageHex := matches[1], matches[2]
	mac, err := DecodeString(macToken)
	if err != nil {
		return nil, lntypes.Preimage{}, err
	}
	preimage, err := lntypes.MakePreimageFromStr(preimageHex)
	if err != nil {
		return nil, lntypes.Preimage{}, fmt.Errorf("hex decode of "+
			"preimage failed: %w", err)
	}

	return mac, preimage, nil
}

// SetHeader sets the given credential as the standard HTTP Authorization
// header, the way a paying client presents it on retry.
func SetHeader(header *http.Header, mac *Macaroon,
	preimage lntypes.Preimage) error {

	macToken, err := mac.EncodeToString()
	if err != nil {
		return err
	}
	header.Set(
		HeaderAuthorization,
		fmt.Sprintf(authFormat, macToken, preimage.String()),
	)
	return nil
}
