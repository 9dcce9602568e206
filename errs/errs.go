// Package errs provides structured error types and helpers for exchange failures.
package errs

import (
	"context"
	"errors"
	"io"
	"net"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

// Code identifies the transport-level error class.
type Code string

const (
	// CodeRateLimited indicates that the request exceeded rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeAuth indicates authentication or authorization errors.
	CodeAuth Code = "auth"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeExchange indicates an exchange-side failure.
	CodeExchange Code = "exchange_error"
	// CodeNetwork indicates a network transport failure.
	CodeNetwork Code = "network"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Category is the human-readable classification of an exchange error code.
type Category string

const (
	CategoryUnknown             Category = "unknown"
	CategoryClockSkew           Category = "clock_skew"
	CategoryAuth                Category = "auth"
	CategoryNotFound            Category = "not_found"
	CategoryInsufficientBalance Category = "insufficient_balance"
	CategoryInvalidSymbol       Category = "invalid_symbol"
	CategoryRateLimited         Category = "rate_limited"
	CategoryInvalidParameter    Category = "invalid_parameter"
)

// Exchange error codes with dedicated handling.
const (
	ExchangeCodeOrderNotFound     = -2013
	ExchangeCodeUnknownOrder      = -2011
	ExchangeCodeTimestampWindow   = 700003
	ExchangeCodeIPNotAllowed      = 700006
	ExchangeCodeIPNotInWhitelist  = 700007
	ExchangeCodeSignatureInvalid  = 700002
	ExchangeCodeAPIKeyInvalid     = 10072
	ExchangeCodeAPIKeyMissing     = 700001
	ExchangeCodeInsufficientFunds = 30004
	ExchangeCodeOversold          = 30005
	ExchangeCodeSymbolUnsupported = 10007
	ExchangeCodeSymbolOffline     = 30014
	ExchangeCodeTooManyRequests   = 429
	ExchangeCodeRequestsLimited   = 510
	ExchangeCodeBadParameter      = 700004
)

var categoryTable = map[int]Category{
	ExchangeCodeTimestampWindow:   CategoryClockSkew,
	ExchangeCodeIPNotAllowed:      CategoryAuth,
	ExchangeCodeIPNotInWhitelist:  CategoryAuth,
	ExchangeCodeSignatureInvalid:  CategoryAuth,
	ExchangeCodeAPIKeyInvalid:     CategoryAuth,
	ExchangeCodeAPIKeyMissing:     CategoryAuth,
	ExchangeCodeOrderNotFound:     CategoryNotFound,
	ExchangeCodeUnknownOrder:      CategoryNotFound,
	ExchangeCodeInsufficientFunds: CategoryInsufficientBalance,
	ExchangeCodeOversold:          CategoryInsufficientBalance,
	ExchangeCodeSymbolUnsupported: CategoryInvalidSymbol,
	ExchangeCodeSymbolOffline:     CategoryInvalidSymbol,
	ExchangeCodeTooManyRequests:   CategoryRateLimited,
	ExchangeCodeRequestsLimited:   CategoryRateLimited,
	ExchangeCodeBadParameter:      CategoryInvalidParameter,
}

var remediationTable = map[Category]string{
	CategoryAuth:                "check the API key, secret and the key's IP allow-list on the exchange",
	CategoryInsufficientBalance: "top up the quote balance or lower the buy amount",
	CategoryInvalidSymbol:       "choose a symbol that is listed for spot API trading",
	CategoryClockSkew:           "synchronise the host clock",
}

// CategoryFor maps an exchange numeric code onto its category.
func CategoryFor(code int) Category {
	if cat, ok := categoryTable[code]; ok {
		return cat
	}
	return CategoryUnknown
}

// E captures structured error information produced across the stack.
type E struct {
	Exchange      string
	Code          Code
	HTTP          int
	ExchangeCode  int
	RawMsg        string
	Message       string
	Category      Category
	VenueMetadata map[string]string
	Remediation   string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the exchange and error code.
func New(exchange string, code Code, opts ...Option) *E {
	e := &E{
		Exchange: strings.TrimSpace(exchange),
		Code:     code,
		Category: CategoryUnknown,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// FromExchange builds an envelope from an exchange error payload, deriving the
// category and remediation from the numeric code.
func FromExchange(exchange string, httpStatus, exchangeCode int, msg string) *E {
	category := CategoryFor(exchangeCode)
	code := CodeExchange
	switch category {
	case CategoryAuth:
		code = CodeAuth
	case CategoryNotFound:
		code = CodeNotFound
	case CategoryRateLimited:
		code = CodeRateLimited
	case CategoryInvalidParameter, CategoryInvalidSymbol:
		code = CodeInvalid
	}
	if code == CodeExchange && httpStatus >= 500 {
		code = CodeUnavailable
	}
	return New(exchange, code,
		WithHTTP(httpStatus),
		WithExchangeCode(exchangeCode),
		WithRawMessage(msg),
		WithCategory(category),
		WithRemediation(remediationTable[category]),
	)
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithExchangeCode captures the exchange's numeric error code.
func WithExchangeCode(code int) Option {
	return func(e *E) {
		e.ExchangeCode = code
	}
}

// WithRawMessage captures the raw exchange error message.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithCategory overrides the derived category.
func WithCategory(category Category) Option {
	return func(e *E) {
		if strings.TrimSpace(string(category)) == "" {
			e.Category = CategoryUnknown
			return
		}
		e.Category = category
	}
}

// WithVenueField appends a single venue metadata key/value pair.
func WithVenueField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.VenueMetadata == nil {
			e.VenueMetadata = make(map[string]string, 1)
		}
		e.VenueMetadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	exchange := strings.TrimSpace(e.Exchange)
	if exchange == "" {
		exchange = "unknown"
	}
	parts = append(parts, "exchange="+exchange)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Category != "" && e.Category != CategoryUnknown {
		parts = append(parts, "category="+string(e.Category))
	}
	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.ExchangeCode != 0 {
		parts = append(parts, "exchange_code="+strconv.Itoa(e.ExchangeCode))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.VenueMetadata) > 0 {
		keys := make([]string, 0, len(e.VenueMetadata))
		for k := range e.VenueMetadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.VenueMetadata[k]))
		}
		parts = append(parts, "venue="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// As extracts the envelope from an error chain.
func As(err error) (*E, bool) {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e, true
	}
	return nil, false
}

// CategoryOf returns the category of the first envelope in the chain.
func CategoryOf(err error) Category {
	if e, ok := As(err); ok {
		return e.Category
	}
	return CategoryUnknown
}

// IsNotFound reports whether the exchange said the resource does not exist.
func IsNotFound(err error) bool { return CategoryOf(err) == CategoryNotFound }

// IsAuth reports authorization and allow-list failures.
func IsAuth(err error) bool { return CategoryOf(err) == CategoryAuth }

// IsClockSkew reports a timestamp-window rejection.
func IsClockSkew(err error) bool { return CategoryOf(err) == CategoryClockSkew }

// IsTransient reports network-level failures worth retrying: resets, aborts,
// timeouts, truncated bodies and 5xx responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if e, ok := As(err); ok {
		if e.Code == CodeNetwork || e.Code == CodeUnavailable {
			return true
		}
		if e.cause == nil {
			return false
		}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
