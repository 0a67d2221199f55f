package wallet

import "time"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithPaymentCapturer wires the inbound payment collaborator.
func WithPaymentCapturer(capturer PaymentCapturer) ServiceOption {
	return func(service *Service) {
		service.capturer = capturer
	}
}

// WithPayoutProvider wires the outbound payout collaborator.
func WithPayoutProvider(provider PayoutProvider) ServiceOption {
	return func(service *Service) {
		service.payouts = provider
	}
}

// WithInventory wires the marketplace inventory collaborator.
func WithInventory(inventory Inventory) ServiceOption {
	return func(service *Service) {
		service.inventory = inventory
	}
}

// WithNotifier wires the out-of-band code delivery channel.
func WithNotifier(notifier Notifier) ServiceOption {
	return func(service *Service) {
		service.notifier = notifier
	}
}

// WithConversionRate overrides the credits-per-currency-unit rate. The rate
// is a single deployment-wide constant; mixed rates are not supported.
func WithConversionRate(rate int64) ServiceOption {
	return func(service *Service) {
		service.conversionRate = rate
	}
}

// WithWelcomeBonus overrides the initial balance for new accounts.
func WithWelcomeBonus(bonusCredits int64) ServiceOption {
	return func(service *Service) {
		service.welcomeBonus = bonusCredits
	}
}

// WithExternalTimeout overrides the deadline applied to payment and payout calls.
func WithExternalTimeout(timeout time.Duration) ServiceOption {
	return func(service *Service) {
		service.externalTimeout = timeout
	}
}
