package logging

import (
	"bytes"
	"testing"

	"github.com/rs/zerolog"
)

func TestInit_DoesNotPanic(t *testing.T) {
	Init(false, false)
	log := L()
	log.Info().Msg("test json info")
	log.Debug().Msg("test json debug (should not appear at info level)")

	Init(true, false)
	log = L()
	log.Debug().Msg("test json debug (should appear)")

	Init(false, true)
	log = L()
	log.Info().Msg("test human info")
	if !IsPrettyMode() {
		t.Error("expected pretty mode after Init(false, true)")
	}

	Init(true, true)
	log = L()
	log.Debug().Msg("test human debug")

	Init(false, false)
	if IsPrettyMode() {
		t.Error("expected pretty mode off after Init(false, false)")
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(zerolog.New(&buf))

	log := WithComponent("catalog")
	log.Info().Msg("test message")

	if !bytes.Contains(buf.Bytes(), []byte(`"component":"catalog"`)) {
		t.Errorf("expected component field in output, got: %s", buf.String())
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	customLogger := zerolog.New(&buf).With().Str("custom", "field").Logger()
	SetLogger(customLogger)

	L().Info().Msg("test")

	if !bytes.Contains(buf.Bytes(), []byte(`"custom":"field"`)) {
		t.Errorf("expected custom field in output, got: %s", buf.String())
	}

	// Reset to default for other tests
	Init(false, false)
}
