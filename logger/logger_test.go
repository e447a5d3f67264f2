package logger_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remiges-tech/batchgate/logger"
)

func TestNewWritesToGivenWriter(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New("BatchGate", &buf)
	require.NotNil(t, l)

	l.Info().LogActivity("gateway started", nil)

	out := buf.String()
	assert.Contains(t, out, "gateway started")
	assert.Contains(t, out, "BatchGate")
}

func TestNewNilWriterDefaultsToStdout(t *testing.T) {
	l := logger.New("BatchGate", nil)
	require.NotNil(t, l)
}

func TestNewLoggerCarriesModuleAndOp(t *testing.T) {
	var buf bytes.Buffer
	l := logger.New("BatchGate", &buf)

	l.WithModule("dispatcher").WithOp("dispatch").Info().LogActivity("window fired", map[string]any{
		"queued": 3,
	})

	out := buf.String()
	assert.Contains(t, out, "dispatcher")
	assert.Contains(t, out, "dispatch")
	assert.Contains(t, out, "window fired")
}
