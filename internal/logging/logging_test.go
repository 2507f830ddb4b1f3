package logging

import (
	"bytes"
	"testing"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want log.Level
	}{
		{"debug", log.DebugLevel},
		{"WARN", log.WarnLevel},
		{" error ", log.ErrorLevel},
		{"", log.InfoLevel},
		{"verbose", log.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestComponentPrefixAndFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	root := NewLogger(&buf, "debug", "text")
	Component(root, "scheduler", "vendor", "v-1").Info("tick")

	out := buf.String()
	assert.Contains(t, out, "scheduler")
	assert.Contains(t, out, "vendor=v-1")
	assert.Contains(t, out, "tick")
}

func TestJSONFormat(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	NewLogger(&buf, "info", "json").Info("ready", "port", 8080)
	assert.Contains(t, buf.String(), `"msg":"ready"`)

	buf.Reset()
	NewLogger(&buf, "warn", "json").Info("hidden")
	assert.Empty(t, buf.String())
}
