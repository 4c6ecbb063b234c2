package deploylog

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var at = time.Date(2025, 3, 4, 5, 6, 7, 890000000, time.UTC)

func TestFormat(t *testing.T) {
	t.Run("without details", func(t *testing.T) {
		got := Format(at, Info, PhaseInitialization, "Starting deployment d1", nil)
		require.Equal(t, "[2025-03-04T05:06:07.890000Z] [INFO] [INITIALIZATION] Starting deployment d1\n", got)
	})

	t.Run("with details", func(t *testing.T) {
		got := Format(at, Info, PhaseCompleted, "Outputs collected", map[string]any{"output_count": 1})
		require.Equal(t, "[2025-03-04T05:06:07.890000Z] [INFO] [COMPLETED] Outputs collected - {\"output_count\":1}\n", got)
	})

	t.Run("non-utc input is normalised", func(t *testing.T) {
		loc := time.FixedZone("CET", 3600)
		got := Format(at.In(loc), Warning, PhaseApplying, "x", nil)
		require.True(t, strings.HasPrefix(got, "[2025-03-04T05:06:07.890000Z] [WARNING]"))
	})
}

func TestHeader(t *testing.T) {
	got := Header(at, PhaseValidating, 1, "VALIDATION")
	require.Equal(t, "\n[2025-03-04T05:06:07.890000Z] [INFO] [VALIDATING] === PHASE 1: VALIDATION ===\n", got)
}

func TestParse(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		l := Parse(Format(at, Error, PhaseFailed, "✗ Deployment failed", map[string]any{"error_type": "provisioning"}))
		require.Equal(t, "2025-03-04T05:06:07.890000Z", l.Timestamp)
		require.Equal(t, "ERROR", l.Level)
		require.Equal(t, "failed", l.Phase)
		require.Equal(t, "✗ Deployment failed", l.Message)
		require.Equal(t, map[string]any{"error_type": "provisioning"}, l.Details)
	})

	t.Run("missing phase", func(t *testing.T) {
		l := Parse("[2025-03-04T05:06:07Z] [INFO] Starting")
		require.Equal(t, "unknown", l.Phase)
		require.Equal(t, "Starting", l.Message)
	})

	t.Run("free text", func(t *testing.T) {
		l := Parse("goroutine 1 [running]:")
		require.Equal(t, "INFO", l.Level)
		require.Equal(t, "unknown", l.Phase)
		require.Equal(t, "goroutine 1 [running]:", l.Message)
	})

	t.Run("broken details stay in message", func(t *testing.T) {
		l := Parse("[t] [INFO] [APPLYING] msg - {not json}")
		require.Equal(t, "msg - {not json}", l.Message)
		require.Nil(t, l.Details)
	})
}

func TestSince(t *testing.T) {
	blob := Format(at, Info, PhaseInitialization, "one", nil) + Format(at, Info, PhaseInitialization, "two", nil)

	lines, off := Since(blob, 0)
	require.Len(t, lines, 2)
	require.Equal(t, len(blob), off)

	lines, off2 := Since(blob, off)
	require.Empty(t, lines)
	require.Equal(t, off, off2)

	grown := blob + Format(at, Info, PhaseValidating, "three", nil) + "[partial"
	lines, off3 := Since(grown, off)
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "three")
	require.Equal(t, len(grown)-len("[partial"), off3)

	lines, _ = Since(blob, len(blob)+10)
	require.Len(t, lines, 2)
}

func TestStrip(t *testing.T) {
	raw := "\x1b[31m╷\x1b[0m\n\x1b[31m│\x1b[0m \x1b[1m\x1b[31mError: \x1b[0m\x1b[0m\x1b[1mquota exceeded\x1b[0m\n\x1b[31m│\x1b[0m\n\x1b[31m╵\x1b[0m\n\n\n"
	got := Strip(raw)
	require.Equal(t, "Error: quota exceeded", got)
	require.False(t, ContainsControl(got))

	require.Equal(t, "a b\nc", Strip("a \t  b\n\n   \nc"))
	require.Equal(t, "", Strip(""))
	require.True(t, ContainsControl("┌─ box"))
}
