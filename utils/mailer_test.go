package utils

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyDeliveryError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"auth code", errors.New("535 5.7.8 authentication credentials invalid"), DeliveryErrAuth},
		{"auth word", errors.New("smtp: auth failed"), DeliveryErrAuth},
		{"timeout word", errors.New("dial tcp: i/o timeout"), DeliveryErrTimeout},
		{"deadline", errors.New("context deadline exceeded"), DeliveryErrTimeout},
		{"refused", errors.New("dial tcp 1.2.3.4:587: connection refused"), DeliveryErrConnection},
		{"dns", errors.New("lookup smtp.example.com: no such host"), DeliveryErrConnection},
		{"tls", errors.New("tls: failed to verify certificate"), DeliveryErrConnection},
		{"rejected recipient", errors.New("550 mailbox unavailable"), DeliveryErrDelivery},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			de := classifyDeliveryError(tt.err, "")
			assert.Equal(t, tt.kind, de.Kind)
			assert.Equal(t, friendlyDeliveryMessages[tt.kind], de.Message)
		})
	}
}

func TestClassifyDeliveryErrorRedactsSecret(t *testing.T) {
	err := fmt.Errorf("535 authentication failed for AUTH PLAIN hunter2")
	de := classifyDeliveryError(err, "hunter2")

	assert.NotContains(t, de.Unwrap().Error(), "hunter2")
	assert.Contains(t, de.Unwrap().Error(), "[REDACTED]")
	assert.NotContains(t, de.Error(), "hunter2", "operator-facing message stays generic")
}

func TestDeliveryErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	de := &DeliveryError{Kind: DeliveryErrDelivery, Message: "nope", Err: inner}

	var got *DeliveryError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", de), &got))
	assert.Equal(t, DeliveryErrDelivery, got.Kind)
	assert.Equal(t, inner, errors.Unwrap(de))
}

func TestRedactSecret(t *testing.T) {
	assert.Equal(t, "no secret here", RedactSecret("no secret here", "hunter2"))
	assert.Equal(t, "pw [REDACTED] twice [REDACTED]", RedactSecret("pw hunter2 twice hunter2", "hunter2"))
	assert.Equal(t, "unchanged", RedactSecret("unchanged", ""))
}

func TestStripHTMLTags(t *testing.T) {
	html := `<html><body><h1>Invoice ready</h1><p>Hello &amp; welcome,<br>see the doc.</p>` +
		`<a href="https://x.example">Open</a><img src="pixel"></body></html>`

	got := StripHTMLTags(html)

	assert.NotContains(t, got, "<")
	assert.Contains(t, got, "Invoice ready")
	assert.Contains(t, got, "Hello & welcome,")
	assert.Contains(t, got, "see the doc.")
	assert.Contains(t, got, "Open")
}
