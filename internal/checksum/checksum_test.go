package checksum

import (
	"encoding/json"
	"strings"
	"testing"

	"revfs/internal/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allKinds = []Kind{MD5, SHA1, FNV1a32, FNV1a32x4}

func TestEmptyDigests(t *testing.T) {
	want := map[Kind]string{
		MD5:       "d41d8cd98f00b204e9800998ecf8427e",
		SHA1:      "da39a3ee5e6b4b0d3255bfef95601890afd80709",
		FNV1a32:   "811c9dc5",
		FNV1a32x4: "cd6d9a85",
	}
	for _, k := range allKinds {
		t.Run(k.String(), func(t *testing.T) {
			d, err := Sum(k, nil)
			require.NoError(t, err)
			assert.Equal(t, want[k], d.Hex())
			assert.Equal(t, want[k], Empty(k).Hex())
			assert.True(t, IsEmpty(d))
			assert.Len(t, d.Bytes, Size(k))
		})
	}
}

func TestKnownDigests(t *testing.T) {
	tests := []struct {
		input string
		kind  Kind
		want  string
	}{
		{"hello", MD5, "5d41402abc4b2a76b9719d911017c592"},
		{"hello", SHA1, "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"},
		{"hello", FNV1a32, "4f9f2cab"},
		{"hello", FNV1a32x4, "c4b7da29"},
		{"abc", FNV1a32x4, "9d596fcb"},
		{"0123456789abcdef!!", FNV1a32x4, "2ab0c89f"},
		{"0123456789abcdef!!", FNV1a32, "0bc4826f"},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String()+"/"+tt.input, func(t *testing.T) {
			d, err := Sum(tt.kind, []byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, d.Hex())
		})
	}
}

func TestIncrementalMatchesOneShot(t *testing.T) {
	data := []byte(strings.Repeat("0123456789abcdef!!", 37))
	for _, k := range allKinds {
		want, err := Sum(k, data)
		require.NoError(t, err)

		for _, split := range []int{1, 2, 3, 5, 7, 64} {
			ctx, err := NewContext(k)
			require.NoError(t, err)
			for i := 0; i < len(data); i += split {
				end := i + split
				if end > len(data) {
					end = len(data)
				}
				ctx.Write(data[i:end])
			}
			assert.Equal(t, want.Hex(), ctx.Sum().Hex(), "kind %s split %d", k, split)
		}
	}
}

func TestMatch(t *testing.T) {
	hello, _ := Sum(SHA1, []byte("hello"))
	other, _ := Sum(SHA1, []byte("other"))
	md5Hello, _ := Sum(MD5, []byte("hello"))
	zero := &Digest{Kind: SHA1, Bytes: make([]byte, Size(SHA1))}

	assert.True(t, Match(hello, hello))
	assert.False(t, Match(hello, other))
	assert.True(t, Match(nil, hello), "nil is a wildcard")
	assert.True(t, Match(zero, hello), "all-zero is a wildcard")
	assert.True(t, Match(other, zero))
	assert.False(t, Match(hello, md5Hello), "kinds must agree")
}

func TestParseHex(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		for _, k := range allKinds {
			d, err := Sum(k, []byte("round trip"))
			require.NoError(t, err)
			parsed, err := ParseHex(k, d.Hex())
			require.NoError(t, err)
			assert.Equal(t, d, parsed)
		}
	})

	t.Run("uppercase accepted", func(t *testing.T) {
		d, err := ParseHex(MD5, "5D41402ABC4B2A76B9719D911017C592")
		require.NoError(t, err)
		assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", d.Hex())
	})

	t.Run("all zero is no digest", func(t *testing.T) {
		d, err := ParseHex(FNV1a32x4, "00000000")
		require.NoError(t, err)
		assert.Nil(t, d)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, s := range []string{"xyz", "5d41402abc4b2a76b9719d911017c59g", "5d41"} {
			_, err := ParseHex(MD5, s)
			require.Error(t, err)
			assert.True(t, errors.IsType(err, errors.ErrorTypeMalformedDigest), s)
		}
	})
}

func TestSerialize(t *testing.T) {
	md5d, _ := Sum(MD5, []byte("hello"))
	sha1d, _ := Sum(SHA1, []byte("hello"))

	assert.Equal(t, "$md5 $5d41402abc4b2a76b9719d911017c592", md5d.Serialize())
	assert.Equal(t, "$sha1$aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d", sha1d.Serialize())

	back, err := Deserialize(sha1d.Serialize())
	require.NoError(t, err)
	assert.Equal(t, sha1d, back)

	_, err = Deserialize("$bogus$00")
	assert.Error(t, err)
}

func TestDigestJSON(t *testing.T) {
	type holder struct {
		SHA1 *Digest `json:"sha1,omitempty"`
	}
	d, _ := Sum(SHA1, []byte("hello"))

	data, err := json.Marshal(holder{SHA1: d})
	require.NoError(t, err)
	assert.JSONEq(t, `{"sha1":"$sha1$aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"}`, string(data))

	var out holder
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, d, out.SHA1)
}

func TestCString(t *testing.T) {
	zero := &Digest{Kind: MD5, Bytes: make([]byte, Size(MD5))}
	assert.Equal(t, "", zero.CString())
	assert.Equal(t, "", (*Digest)(nil).CString())
	assert.Equal(t, "811c9dc5", Empty(FNV1a32).CString())
}

func TestUint32RoundTrip(t *testing.T) {
	v := FNV1a32x4Sum([]byte("hello"))
	assert.Equal(t, uint32(0xc4b7da29), v)
	assert.Equal(t, v, FromUint32(FNV1a32x4, v).Uint32())
}
