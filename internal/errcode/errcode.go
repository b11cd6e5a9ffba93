// Package errcode defines the closed set of machine-readable error
// codes the service returns. Every user-facing failure carries exactly
// one of these codes; callers branch on Code, never on message text.
package errcode

import (
	"errors"
	"fmt"
	"strconv"
)

// Validation and lookup codes.
const (
	InvalidTenant       = "INVALID_TENANT"
	InvalidEmail        = "INVALID_EMAIL"
	InvalidTTL          = "INVALID_TTL"
	InvalidDeliveryMode = "INVALID_DELIVERY_MODE"
	InvalidDecision     = "INVALID_DECISION"
	InvalidActor        = "INVALID_ACTOR"
	InvalidSessionInput = "INVALID_SESSION_INPUT"
	NotFound            = "NOT_FOUND"
	TenantExists        = "TENANT_EXISTS"
	PendingExists       = "PENDING_EXISTS"
)

// OTP verification codes, ordered by precedence at the check site.
const (
	OtpMissing  = "OTP_MISSING"
	OtpConsumed = "OTP_CONSUMED"
	OtpExpired  = "OTP_EXPIRED"
	OtpLocked   = "OTP_LOCKED"
	OtpInvalid  = "OTP_INVALID"
)

// Session codes.
const (
	SessionKeyMissing = "SESSION_KEY_MISSING"
	SessionInvalid    = "SESSION_INVALID"
	SessionExpired    = "SESSION_EXPIRED"
)

// Outbound mail codes.
const (
	SmtpNotConfigured = "SMTP_NOT_CONFIGURED"
	SmtpSendFailed    = "SMTP_SEND_FAILED"
)

// Webhook delivery codes.
const (
	WebhookSecretMissing = "WEBHOOK_SECRET_MISSING"
)

// Payment trigger codes. RetryEnqueued and AlreadyEnqueued are
// non-fatal outcomes surfaced as codes so callers can report them.
const (
	PaymentTriggerNotApproved         = "PAYMENT_TRIGGER_NOT_APPROVED"
	PaymentTriggerDisabled            = "PAYMENT_TRIGGER_DISABLED"
	PaymentTriggerWebhookURLMissing   = "PAYMENT_TRIGGER_WEBHOOK_URL_MISSING"
	PaymentTriggerInvalidDeliveryMode = "PAYMENT_TRIGGER_INVALID_DELIVERY_MODE"
	PaymentTriggerAlreadyDelivered    = "PAYMENT_TRIGGER_ALREADY_DELIVERED"
	PaymentTriggerRetryEnqueued       = "PAYMENT_TRIGGER_RETRY_ENQUEUED"
	PaymentTriggerAlreadyEnqueued     = "PAYMENT_TRIGGER_RETRY_ALREADY_ENQUEUED"
	PaymentTriggerWebhookNon2xx       = "PAYMENT_TRIGGER_WEBHOOK_NON_2XX"
	PaymentTriggerWebhookFailed       = "PAYMENT_TRIGGER_WEBHOOK_FAILED"
)

// Data directory format codes.
const (
	DataDirUninitialized = "DATA_DIR_UNINITIALIZED"
	DataDirTooNew        = "DATA_DIR_TOO_NEW"
	DataDirFormatInvalid = "DATA_DIR_FORMAT_INVALID"
	MigrationsDisabled   = "MIGRATIONS_DISABLED"
)

// Verify queue codes.
const (
	VerifyQueueClosed       = "VERIFY_QUEUE_CLOSED"
	VerifyQueueDrainTimeout = "VERIFY_QUEUE_DRAIN_TIMEOUT"
	VerifyQueueDeadLetter   = "VERIFY_QUEUE_DEAD_LETTER"
	VerifyQueueHandlerError = "VERIFY_QUEUE_HANDLER_ERROR"
)

// HTTPStatus renders an upstream HTTP status as a code, e.g. HTTP_503.
func HTTPStatus(status int) string {
	return "HTTP_" + strconv.Itoa(status)
}

// E is a coded error.
type E struct {
	Code    string
	Message string
}

func (e *E) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

// New builds a coded error with a formatted message.
func New(code, format string, args ...any) *E {
	return &E{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Code extracts the code from err, or "" when err carries none.
func Code(err error) string {
	var e *E
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code string) bool {
	return Code(err) == code
}
