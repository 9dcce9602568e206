package errs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"syscall"
	"testing"
)

func TestErrorFormattingIncludesCategoryAndVenue(t *testing.T) {
	err := New(
		"mexc",
		CodeNotFound,
		WithHTTP(400),
		WithMessage("order lookup failed"),
		WithExchangeCode(ExchangeCodeOrderNotFound),
		WithRawMessage("Order does not exist."),
		WithCategory(CategoryNotFound),
		WithVenueField("endpoint", "/api/v3/order"),
		WithVenueField("symbol", "BTCUSDT"),
		WithRemediation("verify order id before retrying"),
		WithCause(errors.New("http 400")),
	)

	out := err.Error()
	for _, want := range []string{
		"exchange=mexc",
		"code=not_found",
		"category=not_found",
		"exchange_code=-2013",
		`venue=endpoint="/api/v3/order",symbol="BTCUSDT"`,
		`remediation="verify order id before retrying"`,
		`cause="http 400"`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in error string: %s", want, out)
		}
	}
}

func TestFromExchangeDerivesCategory(t *testing.T) {
	cases := []struct {
		code     int
		category Category
		errCode  Code
	}{
		{ExchangeCodeOrderNotFound, CategoryNotFound, CodeNotFound},
		{ExchangeCodeTimestampWindow, CategoryClockSkew, CodeExchange},
		{ExchangeCodeIPNotAllowed, CategoryAuth, CodeAuth},
		{ExchangeCodeInsufficientFunds, CategoryInsufficientBalance, CodeExchange},
		{ExchangeCodeTooManyRequests, CategoryRateLimited, CodeRateLimited},
		{123456, CategoryUnknown, CodeExchange},
	}
	for _, tc := range cases {
		err := FromExchange("mexc", 400, tc.code, "msg")
		if err.Category != tc.category {
			t.Fatalf("code %d: category = %q, want %q", tc.code, err.Category, tc.category)
		}
		if err.Code != tc.errCode {
			t.Fatalf("code %d: error code = %q, want %q", tc.code, err.Code, tc.errCode)
		}
	}
}

func TestFromExchangeAuthCarriesRemediation(t *testing.T) {
	err := FromExchange("mexc", 400, ExchangeCodeIPNotAllowed, "IP [1.2.3.4] not in the ip white list")
	if err.Remediation == "" {
		t.Fatalf("expected remediation for auth failures")
	}
	wrapped := fmt.Errorf("create listen key: %w", err)
	if !IsAuth(wrapped) {
		t.Fatalf("expected wrapped auth error to be detected")
	}
	if IsNotFound(wrapped) || IsClockSkew(wrapped) {
		t.Fatalf("auth error misclassified")
	}
}

func TestWithCategoryEmptyDefaultsToUnknown(t *testing.T) {
	err := New("mexc", CodeInvalid, WithCategory("   "))
	if err.Category != CategoryUnknown {
		t.Fatalf("expected category to default to unknown, got %q", err.Category)
	}
	if strings.Contains(err.Error(), "category=") {
		t.Fatalf("category marker should be omitted when unknown: %s", err.Error())
	}
}

func TestIsTransient(t *testing.T) {
	if !IsTransient(fmt.Errorf("read: %w", syscall.ECONNRESET)) {
		t.Fatalf("connection reset should be transient")
	}
	if !IsTransient(io.ErrUnexpectedEOF) {
		t.Fatalf("unexpected EOF should be transient")
	}
	if !IsTransient(context.DeadlineExceeded) {
		t.Fatalf("deadline exceeded should be transient")
	}
	if IsTransient(context.Canceled) {
		t.Fatalf("cancellation must not be retried")
	}
	if IsTransient(FromExchange("mexc", 400, ExchangeCodeOrderNotFound, "")) {
		t.Fatalf("exchange rejections are not transient")
	}
	if !IsTransient(FromExchange("mexc", 503, 0, "")) {
		t.Fatalf("5xx responses should be transient")
	}
	if IsTransient(nil) {
		t.Fatalf("nil is not transient")
	}
}

func TestUnwrapExposesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New("mexc", CodeNetwork, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to reach cause")
	}
}
