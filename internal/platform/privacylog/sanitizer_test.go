package privacylog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("decode log json: %v", err)
	}
	return payload
}

func TestSanitizingHandlerRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("unlock",
		"password", "correct-horse",
		"password_digest", "abcd",
		"initial_mnemonic", "abandon ability",
		"result", "ok",
	)

	payload := decodeLine(t, &buf)
	for _, key := range []string{"password", "password_digest", "initial_mnemonic"} {
		if got, _ := payload[key].(string); got != redactedValue {
			t.Fatalf("expected %s redacted, got %q", key, got)
		}
	}
	if got, _ := payload["result"].(string); got != "ok" {
		t.Fatalf("expected untouched result, got %q", got)
	}
	if strings.Contains(buf.String(), "correct-horse") {
		t.Fatal("password leaked into log output")
	}
}

func TestSanitizingHandlerFingerprintsPaths(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(WrapHandler(slog.NewJSONHandler(&buf, nil)))
	logger.Info("opened", "data_file", "/home/alice/.facewatch/secure_data.enc")

	payload := decodeLine(t, &buf)
	if _, ok := payload["data_file"]; ok {
		t.Fatal("data_file should not be present in clear")
	}
	got, _ := payload["data_file_fp"].(string)
	if !strings.HasPrefix(got, "fp_") {
		t.Fatalf("unexpected fingerprint value: %q", got)
	}
	if got != Fingerprint("/home/alice/.facewatch/secure_data.enc") {
		t.Fatal("fingerprint must be stable within a process")
	}
}

func TestSanitizingHandlerAppliesToWithAttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	h := WrapHandler(slog.NewJSONHandler(&buf, nil))
	if !h.Enabled(context.Background(), slog.LevelInfo) {
		t.Fatal("expected handler enabled for info")
	}
	logger := slog.New(h).With("secret", "s3cr3t")
	logger.Info("msg", slog.Group("auth", slog.String("passphrase", "pp"), slog.Int("attempt", 2)))

	if strings.Contains(buf.String(), "s3cr3t") || strings.Contains(buf.String(), `"pp"`) {
		t.Fatalf("credential leaked: %s", buf.String())
	}
	rec := slog.NewRecord(time.Now().UTC(), slog.LevelInfo, "msg", 0)
	rec.AddAttrs(slog.String("key_dir", "/etc/facewatch/keys"))
	buf.Reset()
	if err := h.Handle(context.Background(), rec); err != nil {
		t.Fatalf("handle failed: %v", err)
	}
	if !strings.Contains(buf.String(), "key_dir_fp") {
		t.Fatalf("expected sanitized key_dir key, got %s", buf.String())
	}
}
