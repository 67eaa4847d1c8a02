package logging

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInit_JSONLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(Config{})

	Info().Msg("hidden")
	Warn().Str("room", "r1").Msg("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"room":"r1"`)
	assert.Contains(t, out, `"message":"shown"`)
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "loud", Output: &buf})
	defer Init(Config{})

	Debug().Msg("debug")
	Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}
