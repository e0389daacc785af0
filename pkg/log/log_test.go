package log_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xmtp/mlsengine/pkg/log"
	"github.com/xmtp/mlsengine/pkg/metrics"
)

func TestInitJSONOutputRespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: true, Output: &buf})

	log.Logger.Info().Msg("should be filtered")
	log.Logger.Warn().Msg("should appear")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "should appear", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestWithGroupAddsHexGroupIDField(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	log.WithGroup([]byte{0xab, 0xcd}).Info().Msg("scoped")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "abcd", entry["group_id"])
}

func TestWithCursorAddsSequenceAndOriginatorFields(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	log.WithCursor(42, 7).Info().Msg("positioned")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, float64(42), entry["sequence_id"])
	assert.Equal(t, float64(7), entry["originator_id"])
}

func TestErrorfIncludesErrorField(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	log.Errorf("operation failed", assert.AnError)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "operation failed", entry["message"])
	assert.Equal(t, assert.AnError.Error(), entry["error"])
}

func TestWithComponentAttributesLoggedErrorsToThatComponent(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	before := testutil.ToFloat64(metrics.LoggedErrorsTotal.WithLabelValues("devicesync-test"))
	log.WithComponent("devicesync-test").Warn().Msg("does not count, below error level")
	log.WithComponent("devicesync-test").Error().Msg("counts")
	after := testutil.ToFloat64(metrics.LoggedErrorsTotal.WithLabelValues("devicesync-test"))

	assert.Equal(t, before+1, after)
}

func TestWithGroupAttributesLoggedErrorsToGroupComponent(t *testing.T) {
	var buf bytes.Buffer
	log.Init(log.Config{Level: log.DebugLevel, JSONOutput: true, Output: &buf})

	before := testutil.ToFloat64(metrics.LoggedErrorsTotal.WithLabelValues("group"))
	log.WithGroup([]byte{0x01}).Error().Msg("commit log entry not signed")
	after := testutil.ToFloat64(metrics.LoggedErrorsTotal.WithLabelValues("group"))

	assert.Equal(t, before+1, after)
}
