package logging

import (
	"bytes"
	"strings"
	"testing"

	pionlog "github.com/pion/logging"
	"github.com/stretchr/testify/assert"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "json", "info")

	log.Info("peer link created", "peer", "b")
	log.V(1).Info("not shown at info")

	out := buf.String()
	assert.Contains(t, out, `"msg":"peer link created"`)
	assert.Contains(t, out, `"peer":"b"`)
	assert.NotContains(t, out, "not shown")
}

func TestNewWithWriter_DebugShowsVerbose(t *testing.T) {
	var buf bytes.Buffer
	log := NewWithWriter(&buf, "text", "debug")

	log.V(1).Info("candidate buffered")

	assert.True(t, strings.Contains(buf.String(), "candidate buffered"))
}

func TestPionFactory_Level(t *testing.T) {
	assert.Equal(t, pionlog.LogLevelDebug, PionFactory("debug").DefaultLogLevel)
	assert.Equal(t, pionlog.LogLevelWarn, PionFactory("").DefaultLogLevel)
	assert.Equal(t, pionlog.LogLevelDisabled, PionFactory("off").DefaultLogLevel)
}
