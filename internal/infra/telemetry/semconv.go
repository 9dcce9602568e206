// Package telemetry provides OpenTelemetry setup and semantic conventions for tradepilot.
package telemetry

import (
	"strconv"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by every instrument.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrScope identifies a stream session scope: "market" or "user".
	AttrScope = attribute.Key("stream.scope")
	// AttrSymbol captures the traded symbol (e.g. KASUSDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrEndpoint names the REST path being called.
	AttrEndpoint = attribute.Key("http.endpoint")
	// AttrOrderState captures the canonical deal status.
	AttrOrderState = attribute.Key("order.state")
	// AttrSource distinguishes push-driven from reconciliation-driven updates.
	AttrSource = attribute.Key("source")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrReason provides additional context for failures.
	AttrReason = attribute.Key("reason")
	// AttrMessageType differentiates decoded payload classes.
	AttrMessageType = attribute.Key("message.type")
	// AttrErrorCategory carries the exchange error category.
	AttrErrorCategory = attribute.Key("error.category")
	// AttrStatusCode carries the HTTP status returned by the exchange.
	AttrStatusCode = attribute.Key("http.status_code")
)

// Result values.
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultRejected = "rejected"
	ResultSkipped  = "skipped"
)

// SessionAttributes returns attributes for stream session metrics.
func SessionAttributes(environment, scope, result string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrScope.String(scope),
	}
	if result != "" {
		attrs = append(attrs, AttrResult.String(result))
	}
	return attrs
}

// FrameAttributes returns attributes for decoded frame metrics.
func FrameAttributes(environment, scope, messageType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrScope.String(scope),
		AttrMessageType.String(messageType),
	}
}

// RequestAttributes returns attributes for REST request metrics.
func RequestAttributes(environment, endpoint string, status int, category string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEndpoint.String(endpoint),
	}
	if status > 0 {
		attrs = append(attrs, AttrStatusCode.String(strconv.Itoa(status)))
	}
	if category != "" {
		attrs = append(attrs, AttrErrorCategory.String(category))
	}
	return attrs
}

// TransitionAttributes returns attributes for deal status transition metrics.
func TransitionAttributes(environment, state, source, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrOrderState.String(state),
		AttrSource.String(source),
		AttrResult.String(result),
	}
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(environment, result, reason string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
	if reason != "" {
		attrs = append(attrs, AttrReason.String(reason))
	}
	return attrs
}
