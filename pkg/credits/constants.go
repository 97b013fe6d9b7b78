package credits

import "time"

const (
	operationDeposit = "deposit"
	operationTopUp   = "topup"
	operationSpend   = "spend"
	operationRefund  = "refund"
	operationAdjust  = "adjust"
	operationExpire  = "expire"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	walletLockPrefix = "wallet:"

	resultKeyDelimiter = ":"

	// DefaultExpirationHorizon is applied to deposit, top-up, and refund
	// batches unless the service is configured otherwise.
	DefaultExpirationHorizon = 180 * 24 * time.Hour

	// DefaultPendingWindow is the lookahead used for the advisory
	// pending_expiration counter.
	DefaultPendingWindow = 30 * 24 * time.Hour
)
