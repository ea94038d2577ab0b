package hashdump

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"revfs/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFormat(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteEntry(&buf, "/a", "modify"))
	require.NoError(t, WriteDelete(&buf, "/b"))
	require.NoError(t, WriteEnd(&buf))

	assert.Equal(t, "K 2\n/a\nV 6\nmodify\nD 2\n/b\nEND\n", buf.String())
}

func TestWriteSortsKeys(t *testing.T) {
	out := Encode(map[string]string{"b": "2", "a": "1"})
	assert.Equal(t, "K 1\na\nV 1\n1\nK 1\nb\nV 1\n2\nEND\n", string(out))
}

func TestReadAppliesRemovals(t *testing.T) {
	var buf bytes.Buffer
	WriteEntry(&buf, "x", "1")
	WriteEntry(&buf, "y", "2")
	WriteDelete(&buf, "x")
	WriteEntry(&buf, "y", "3")

	m, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"y": "3"}, m)
}

func TestValuesMayContainNewlines(t *testing.T) {
	in := map[string]string{"multi": "line one\nline two\n", "empty": ""}
	out, err := Decode(Encode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestStopsAtTerminator(t *testing.T) {
	r := NewReader(strings.NewReader("K 1\na\nV 1\n1\nEND\ntrailing garbage"))

	rec, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, Record{Key: "a", Value: "1"}, rec)

	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
	_, err = r.Next()
	assert.Equal(t, io.EOF, err)
}

func TestCorruptInput(t *testing.T) {
	tests := map[string]string{
		"bad header":      "X 1\na\n",
		"bad length":      "K x\na\n",
		"short body":      "K 10\nabc\n",
		"missing value":   "K 1\na\n",
		"wrong value tag": "K 1\na\nK 1\nb\n",
		"no newline":      "K 1\nab",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode([]byte(input))
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeCorrupt))
		})
	}
}
