package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Len()
}

func newTestRedactingLogger(buf *bytes.Buffer) *slog.Logger {
	inner := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(NewRedactingHandler(inner))
}

func TestRedact_NormalValuesPassThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	logger.Info("refresh completed",
		"account", "0x1111111111111111111111111111111111111111",
		"token", "0x4F96Fe3b7A6Cf9725f59d353F723c1bDb64CA6Aa",
		"sequence", 42,
		"scope", "full",
	)

	output := buf.String()
	for _, expected := range []string{
		"0x1111111111111111111111111111111111111111",
		"0x4F96Fe3b7A6Cf9725f59d353F723c1bDb64CA6Aa",
		"42",
		"full",
	} {
		if !strings.Contains(output, expected) {
			t.Errorf("expected output to contain %q, got: %s", expected, output)
		}
	}
	if strings.Contains(output, "[REDACTED]") {
		t.Errorf("normal values should not be redacted, got: %s", output)
	}
}

func TestRedact_SensitiveKeys(t *testing.T) {
	for _, key := range []string{"password", "keystore_passphrase", "client_secret", "private_key"} {
		t.Run(key, func(t *testing.T) {
			var buf bytes.Buffer
			logger := newTestRedactingLogger(&buf)

			logger.Info("test", key, "very-secret-value")

			output := buf.String()
			if strings.Contains(output, "very-secret-value") {
				t.Errorf("expected %s to be redacted, got: %s", key, output)
			}
			if !strings.Contains(output, "[REDACTED]") {
				t.Errorf("expected redaction marker, got: %s", output)
			}
		})
	}
}

func TestRedact_PrivateKeyInMessageValue(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	key := "0x" + strings.Repeat("ab", 32)
	logger.Info("test", "detail", "loaded key "+key+" from disk")

	output := buf.String()
	if strings.Contains(output, key) {
		t.Errorf("expected private key to be masked, got: %s", output)
	}
	if !strings.Contains(output, "0xabab...abab") {
		t.Errorf("expected masked form, got: %s", output)
	}
}

func TestRedact_TxHashPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf)

	hash := "0x" + strings.Repeat("cd", 32)
	logger.Info("transaction mined", "tx_hash", hash)

	if !strings.Contains(buf.String(), hash) {
		t.Errorf("expected tx hash to be logged verbatim, got: %s", buf.String())
	}
}

func TestRedact_WithAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestRedactingLogger(&buf).With("password", "hunter2")

	logger.Info("test")
	if strings.Contains(buf.String(), "hunter2") {
		t.Errorf("expected With attrs to be redacted, got: %s", buf.String())
	}
}
