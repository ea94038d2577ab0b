package delta

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCodec(t *testing.T) *Codec {
	c, err := New(3)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestSelfDeltaRoundTrip(t *testing.T) {
	c := newTestCodec(t)

	for _, text := range []string{"", "hello", strings.Repeat("abcdefgh", 10000)} {
		enc, err := c.Encode(nil, []byte(text))
		require.NoError(t, err)

		out, err := c.Apply(nil, enc)
		require.NoError(t, err)
		assert.Equal(t, text, string(out))
	}
}

func TestDeltaAgainstBase(t *testing.T) {
	c := newTestCodec(t)

	base := []byte(strings.Repeat("The quick brown fox jumps over the lazy dog.\n", 200))
	target := append(append([]byte{}, base...), []byte("one more line\n")...)

	withBase, err := c.Encode(base, target)
	require.NoError(t, err)
	selfDelta, err := c.Encode(nil, target)
	require.NoError(t, err)

	out, err := c.Apply(base, withBase)
	require.NoError(t, err)
	assert.Equal(t, target, out)

	assert.Less(t, len(withBase), len(selfDelta), "a delta against a similar base should be smaller")
}

func TestStreamingEncoder(t *testing.T) {
	c := newTestCodec(t)
	base := []byte("0123456789abcdef0123456789abcdef")

	var buf bytes.Buffer
	w, err := c.NewEncoder(&buf, base)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		_, err := w.Write([]byte("0123456789abcdef"))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	out, err := c.Apply(base, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat("0123456789abcdef", 100), string(out))
}

func TestShortBaseRejected(t *testing.T) {
	c := newTestCodec(t)
	assert.False(t, UsableBase([]byte("short")))

	_, err := c.NewEncoder(&bytes.Buffer{}, []byte("short"))
	assert.Error(t, err)
}

func TestPooledEncoderReuse(t *testing.T) {
	c := newTestCodec(t)
	for i := 0; i < 5; i++ {
		enc, err := c.Encode(nil, []byte("payload"))
		require.NoError(t, err)
		out, err := c.Apply(nil, enc)
		require.NoError(t, err)
		assert.Equal(t, "payload", string(out))
	}
}
