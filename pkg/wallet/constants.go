package wallet

import "time"

// OTPCodeLength is the fixed width of a challenge code.
const OTPCodeLength = 6

const (
	// DefaultConversionRate is how many credits one external currency unit buys.
	DefaultConversionRate int64 = 10
	// DefaultWelcomeBonus seeds a freshly registered account.
	DefaultWelcomeBonus int64 = 100
	// DefaultExternalTimeout bounds payment capture and payout initiation calls.
	DefaultExternalTimeout = 30 * time.Second
)

const (
	operationRegister       = "register"
	operationStartConvert   = "start_conversion"
	operationConfirmConvert = "confirm_conversion"
	operationPurchase       = "purchase"
	operationReward         = "reward"
	operationPayoutConfirm  = "payout_confirm"
	operationPayoutFail     = "payout_fail"

	operationStatusOK    = "ok"
	operationStatusError = "error"
)
