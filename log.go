package tollgate

import (
	"github.com/btcsuite/btclog"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/build"
	"github.com/tollgate-labs/tollgate/auth"
	"github.com/tollgate-labs/tollgate/l402"
	"github.com/tollgate-labs/tollgate/pricing"
	"github.com/tollgate-labs/tollgate/trust"
	"github.com/tollgate-labs/tollgate/wallet"
)

const Subsystem = "TOLL"

var (
	logWriter = build.NewRotatingLogWriter()

	log = build.NewSubLogger(Subsystem, logWriter.GenSubLogger)
)

func init() {
	setSubLogger(Subsystem, log, nil)
	addSubLogger(auth.Subsystem, auth.UseLogger)
	addSubLogger(l402.Subsystem, l402.UseLogger)
	addSubLogger(pricing.Subsystem, pricing.UseLogger)
	addSubLogger(wallet.Subsystem, wallet.UseLogger)
	addSubLogger(trust.Subsystem, trust.UseLogger)
	addSubLogger("LNDC", lndclient.UseLogger)
}

// addSubLogger is a helper method to conveniently create and register the
// logger of a sub system.
func addSubLogger(subsystem string, useLogger func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, logWriter.GenSubLogger)
	setSubLogger(subsystem, logger, useLogger)
}

// setSubLogger is a helper method to conveniently register the logger of a sub
// system.
func setSubLogger(subsystem string, logger btclog.Logger,
	useLogger func(btclog.Logger)) {

	logWriter.RegisterSubLogger(subsystem, logger)
	if useLogger != nil {
		useLogger(logger)
	}
}
