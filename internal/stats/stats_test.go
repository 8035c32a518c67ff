package stats

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineWriterEmitsOneJSONLine(t *testing.T) {
	var buf bytes.Buffer
	lw := &LineWriter{W: &buf}

	require.NoError(t, lw.Emit(Snapshot{"e0": 1048576, "e1": 0}))

	line := buf.String()
	require.True(t, strings.HasSuffix(line, "\n"))

	var decoded map[string]int64
	require.NoError(t, json.Unmarshal([]byte(line), &decoded))
	assert.Equal(t, map[string]int64{"e0": 1048576, "e1": 0}, decoded)
}

func TestLineWriterKeysMatchEdgeIDs(t *testing.T) {
	var buf bytes.Buffer
	lw := &LineWriter{W: &buf}
	snap := Snapshot{"a": 1, "b": 2, "c": 3}

	require.NoError(t, lw.Emit(snap))

	var decoded map[string]int64
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Len(t, decoded, len(snap))
	for id := range snap {
		assert.Contains(t, decoded, id)
	}
}

type failingReporter struct{ err error }

func (f *failingReporter) Emit(Snapshot) error { return f.err }

func TestMultiDeliversToAllAndReturnsFirstError(t *testing.T) {
	var a, b bytes.Buffer
	boom := errors.New("boom")
	m := Multi{
		&LineWriter{W: &a},
		&failingReporter{err: boom},
		&LineWriter{W: &b},
	}

	err := m.Emit(Snapshot{"e": 9})
	assert.ErrorIs(t, err, boom)
	assert.NotZero(t, a.Len())
	assert.NotZero(t, b.Len())
}

func TestHistoryNewestFirst(t *testing.T) {
	h := &History{}
	h.Append("one")
	h.Append("two")
	h.Append("three")

	assert.Equal(t, []string{"three", "two", "one"}, h.Read(0))
	assert.Equal(t, []string{"three", "two"}, h.Read(2))
}

func TestHistoryEmptyRead(t *testing.T) {
	h := &History{}
	assert.Nil(t, h.Read(10))
}

func TestHistoryWrapsAround(t *testing.T) {
	h := &History{}
	for i := 0; i < historyCap+10; i++ {
		h.Append(fmt.Sprintf("line-%d", i))
	}

	got := h.Read(0)
	require.Len(t, got, historyCap)
	assert.Equal(t, fmt.Sprintf("line-%d", historyCap+9), got[0])
	assert.Equal(t, "line-10", got[historyCap-1])
}

func TestHistoryAsReporter(t *testing.T) {
	h := &History{}
	require.NoError(t, h.Emit(Snapshot{"e": 5}))

	got := h.Read(1)
	require.Len(t, got, 1)

	var decoded map[string]int64
	require.NoError(t, json.Unmarshal([]byte(got[0]), &decoded))
	assert.EqualValues(t, 5, decoded["e"])
}
