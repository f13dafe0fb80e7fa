package observe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"go.opentelemetry.io/otel/attribute"
)

func TestNew_VerbosityGatesInfo(t *testing.T) {
	quiet := &bytes.Buffer{}
	obs := New(quiet, false)
	obs.Log().Info().Msg("indexer started")
	obs.Log().Warn().Str("store", "s1").Msg("flush slow")

	if strings.Contains(quiet.String(), "indexer started") {
		t.Errorf("expected info to be dropped without verbose, got %q", quiet.String())
	}
	if !strings.Contains(quiet.String(), "flush slow") {
		t.Errorf("expected warnings to pass, got %q", quiet.String())
	}

	loud := &bytes.Buffer{}
	New(loud, true).Log().Info().Msg("indexer started")
	if !strings.Contains(loud.String(), "indexer started") {
		t.Errorf("expected info with verbose, got %q", loud.String())
	}
}

func TestNewJSON_WritesJSONLines(t *testing.T) {
	buf := &bytes.Buffer{}
	obs := NewJSON(buf, false)
	obs.Log().Error().Str("record_id", "r-42").Msg("embedding failed")

	line := strings.TrimSpace(buf.String())
	if !json.Valid([]byte(line)) {
		t.Fatalf("expected a JSON line, got %q", line)
	}
	if !strings.Contains(line, "r-42") || !strings.Contains(line, "embedding failed") {
		t.Errorf("expected field and message in %q", line)
	}
}

func TestNop(t *testing.T) {
	obs := Nop()
	if obs == nil || obs.Log() == nil {
		t.Fatal("expected a usable observer")
	}
	// Writes go to io.Discard at every level.
	obs.Log().Error().Err(errors.New("boom")).Msg("dropped")
	if err := obs.Close(); err != nil {
		t.Errorf("expected nil error from Close, got %v", err)
	}
}

func TestOrNop(t *testing.T) {
	fallback := OrNop(nil)
	if fallback == nil || fallback.Log() == nil {
		t.Fatal("expected OrNop(nil) to return a usable observer")
	}
	fallback.Log().Warn().Msg("nobody listens")

	buf := &bytes.Buffer{}
	obs := New(buf, true)
	if OrNop(obs) != obs {
		t.Error("expected OrNop to keep a non-nil observer")
	}
}

type ctxKey struct{}

func TestSpans(t *testing.T) {
	obs := Nop()
	parent := context.WithValue(context.Background(), ctxKey{}, "store-1")

	t.Run("attributes and failure", func(t *testing.T) {
		ctx, span := obs.StartSpan(parent, "retrieval.retrieve",
			attribute.Int("k", 3), attribute.String("store", "store-1"))
		if span == nil {
			t.Fatal("expected a span")
		}
		if ctx.Value(ctxKey{}) != "store-1" {
			t.Error("expected the span context to keep parent values")
		}
		obs.EndSpan(span, errors.New("provider unavailable"))
	})

	t.Run("success", func(t *testing.T) {
		_, span := obs.StartSpan(parent, "indexer.step")
		obs.EndSpan(span, nil)
	})
}
