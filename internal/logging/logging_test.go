package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
)

func TestJSONLoggerIncludesFieldsAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(Component("predictor"))

	ctx := ContextWithRequestID(context.Background(), "req-1")
	log.Warn(ctx, "sample rejected", Uint64("frame_id", 7), Error(errors.New("bad signature")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	for key, want := range map[string]any{
		"msg":        "sample rejected",
		"component":  "predictor",
		"request_id": "req-1",
		"error":      "bad signature",
		"frame_id":   float64(7),
	} {
		if rec[key] != want {
			t.Errorf("%s = %v, want %v", key, rec[key], want)
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	if buf.Len() != 0 {
		t.Fatalf("info record written at warn level: %q", buf.String())
	}
	log.Error(context.Background(), "shown")
	if buf.Len() == 0 {
		t.Fatalf("error record dropped at warn level")
	}
}

func TestEnsureRequestIDIsStable(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if id == "" {
		t.Fatalf("EnsureRequestID returned empty id")
	}
	_, again := EnsureRequestID(ctx)
	if again != id {
		t.Fatalf("EnsureRequestID replaced existing id %q with %q", id, again)
	}
}
