package records

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		line     string
		wantOK   bool
		wantType string
	}{
		{"status record", `{"type":"status","data":{"state":"executing"}}`, true, TypeStatus},
		{"completion record", `{"type":"completion","data":{"result":"done"}}`, true, TypeCompletion},
		{"leading whitespace", `   {"type":"status"}`, true, TypeStatus},
		{"plain text", "compiling module...", false, ""},
		{"empty line", "", false, ""},
		{"whitespace only", "   ", false, ""},
		{"malformed json", `{"type":"status"`, false, ""},
		{"unrelated json", `{"level":"info","msg":"hello"}`, false, ""},
		{"json array", `[1,2,3]`, false, ""},
		{"unknown record type", `{"type":"heartbeat"}`, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, ok := ParseLine([]byte(tt.line))
			require.Equal(t, tt.wantOK, ok)
			if ok {
				require.Equal(t, tt.wantType, rec.Type)
			}
		})
	}
}

func TestPhase(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		line string
		want string
	}{
		{"idle", `{"type":"status","data":{"state":"idle"}}`, PhaseIdle},
		{"executing", `{"type":"status","data":{"state":"executing"}}`, PhaseExecuting},
		{"aborted", `{"type":"status","data":{"state":"aborted"}}`, PhaseAborted},
		{"unknown state defaults to executing", `{"type":"status","data":{"state":"thinking"}}`, PhaseExecuting},
		{"missing data defaults to executing", `{"type":"status"}`, PhaseExecuting},
		{"malformed data defaults to executing", `{"type":"status","data":{"state":42}}`, PhaseExecuting},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec, ok := ParseLine([]byte(tt.line))
			require.True(t, ok)
			require.Equal(t, tt.want, Phase(rec))
		})
	}
}

func TestLastCompletion(t *testing.T) {
	t.Parallel()

	t.Run("returns most recent completion", func(t *testing.T) {
		t.Parallel()
		lines := []string{
			"starting up",
			`{"type":"completion","data":{"result":"first"}}`,
			"some output",
			`{"type":"completion","data":{"result":"second"}}`,
			`{"type":"status","data":{"state":"idle"}}`,
		}
		data, ok := LastCompletion(lines)
		require.True(t, ok)
		require.JSONEq(t, `{"result":"second"}`, string(data))
	})

	t.Run("completion without data yields empty object", func(t *testing.T) {
		t.Parallel()
		data, ok := LastCompletion([]string{`{"type":"completion"}`})
		require.True(t, ok)
		require.JSONEq(t, `{}`, string(data))
	})

	t.Run("no completion", func(t *testing.T) {
		t.Parallel()
		lines := []string{
			"just text",
			`{"type":"status","data":{"state":"executing"}}`,
		}
		_, ok := LastCompletion(lines)
		require.False(t, ok)
	})

	t.Run("empty input", func(t *testing.T) {
		t.Parallel()
		_, ok := LastCompletion(nil)
		require.False(t, ok)
	})
}
