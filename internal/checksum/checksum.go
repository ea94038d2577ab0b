// Package checksum implements the digest kinds used for content
// addressing (MD5, SHA-1) and for cheap physical-layer checks (FNV-1a).
package checksum

import (
	"bytes"
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/fnv"

	"revfs/internal/errors"
)

type Kind int

const (
	MD5 Kind = iota
	SHA1
	FNV1a32
	FNV1a32x4
)

func (k Kind) String() string {
	switch k {
	case MD5:
		return "md5"
	case SHA1:
		return "sha1"
	case FNV1a32:
		return "fnv1a32"
	case FNV1a32x4:
		return "fnv1a32x4"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Serialized tags are all six bytes wide.
var tags = map[Kind]string{
	MD5:       "$md5 $",
	SHA1:      "$sha1$",
	FNV1a32:   "$fnv1$",
	FNV1a32x4: "$fnvm$",
}

const tagLen = 6

var sizes = map[Kind]int{
	MD5:       md5.Size,
	SHA1:      sha1.Size,
	FNV1a32:   4,
	FNV1a32x4: 4,
}

var emptyDigests = map[Kind][]byte{
	MD5: {
		0xd4, 0x1d, 0x8c, 0xd9, 0x8f, 0x00, 0xb2, 0x04,
		0xe9, 0x80, 0x09, 0x98, 0xec, 0xf8, 0x42, 0x7e,
	},
	SHA1: {
		0xda, 0x39, 0xa3, 0xee, 0x5e, 0x6b, 0x4b, 0x0d, 0x32, 0x55,
		0xbf, 0xef, 0x95, 0x60, 0x18, 0x90, 0xaf, 0xd8, 0x07, 0x09,
	},
	FNV1a32:   {0x81, 0x1c, 0x9d, 0xc5},
	FNV1a32x4: {0xcd, 0x6d, 0x9a, 0x85},
}

// Size returns the digest length in bytes, or 0 for an unknown kind.
func Size(k Kind) int {
	return sizes[k]
}

func validKind(k Kind) error {
	if _, ok := sizes[k]; !ok {
		return errors.ValidationError(fmt.Sprintf("unknown checksum kind %d", int(k)), nil)
	}
	return nil
}

// Digest is a finished checksum. A nil *Digest means "no digest recorded".
type Digest struct {
	Kind  Kind
	Bytes []byte
}

// Empty returns the digest of zero bytes of input.
func Empty(k Kind) *Digest {
	return &Digest{Kind: k, Bytes: append([]byte(nil), emptyDigests[k]...)}
}

func (d *Digest) isZero() bool {
	for _, b := range d.Bytes {
		if b != 0 {
			return false
		}
	}
	return true
}

// Hex returns the lowercase hex form of the digest bytes.
func (d *Digest) Hex() string {
	if d == nil {
		return ""
	}
	return hex.EncodeToString(d.Bytes)
}

// CString is Hex except that an all-zero digest yields "".
func (d *Digest) CString() string {
	if d == nil || d.isZero() {
		return ""
	}
	return d.Hex()
}

func (d *Digest) String() string {
	if d == nil {
		return "<none>"
	}
	return d.Kind.String() + ":" + d.Hex()
}

// Uint32 returns a 4-byte FNV digest as the big-endian integer it encodes.
func (d *Digest) Uint32() uint32 {
	if d == nil || len(d.Bytes) != 4 {
		return 0
	}
	return uint32(d.Bytes[0])<<24 | uint32(d.Bytes[1])<<16 | uint32(d.Bytes[2])<<8 | uint32(d.Bytes[3])
}

// FromUint32 builds a 4-byte digest of kind k from its integer value.
func FromUint32(k Kind, v uint32) *Digest {
	return &Digest{Kind: k, Bytes: []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}}
}

// Match compares two digests. A missing or all-zero digest on either side
// matches anything; digests of different kinds never match.
func Match(a, b *Digest) bool {
	if a == nil || b == nil {
		return true
	}
	if a.Kind != b.Kind {
		return false
	}
	if a.isZero() || b.isZero() {
		return true
	}
	return bytes.Equal(a.Bytes, b.Bytes)
}

// IsEmpty reports whether d is absent or equals the empty-input digest.
func IsEmpty(d *Digest) bool {
	if d == nil {
		return true
	}
	return Match(d, Empty(d.Kind))
}

// ParseHex parses a hex digest of the given kind. An all-zero value
// parses to nil, which is not an error.
func ParseHex(k Kind, s string) (*Digest, error) {
	if err := validKind(k); err != nil {
		return nil, err
	}
	if len(s) != 2*sizes[k] {
		return nil, errors.MalformedDigest(k.String(), s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.MalformedDigest(k.String(), s)
	}
	d := &Digest{Kind: k, Bytes: raw}
	if d.isZero() {
		return nil, nil
	}
	return d, nil
}

// Serialize returns the kind tag followed by the hex digest.
func (d *Digest) Serialize() string {
	return tags[d.Kind] + d.Hex()
}

// Deserialize parses the output of Serialize.
func Deserialize(s string) (*Digest, error) {
	if len(s) <= tagLen {
		return nil, errors.MalformedDigest("serialized", s)
	}
	for k, tag := range tags {
		if s[:tagLen] == tag {
			return ParseHex(k, s[tagLen:])
		}
	}
	return nil, errors.MalformedDigest("serialized", s)
}

func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.Serialize()), nil
}

func (d *Digest) UnmarshalText(text []byte) error {
	parsed, err := Deserialize(string(text))
	if err != nil {
		return err
	}
	if parsed == nil {
		// all-zero digests are kept as zero rather than dropped
		k, _ := kindOfTag(string(text))
		*d = Digest{Kind: k, Bytes: make([]byte, sizes[k])}
		return nil
	}
	*d = *parsed
	return nil
}

func kindOfTag(s string) (Kind, bool) {
	for k, tag := range tags {
		if len(s) >= tagLen && s[:tagLen] == tag {
			return k, true
		}
	}
	return 0, false
}

// Context accumulates a digest incrementally.
type Context struct {
	kind Kind
	h    hash.Hash
}

// NewContext returns an incremental context for kind k.
func NewContext(k Kind) (*Context, error) {
	if err := validKind(k); err != nil {
		return nil, err
	}
	return &Context{kind: k, h: newHash(k)}, nil
}

func newHash(k Kind) hash.Hash {
	switch k {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case FNV1a32:
		return fnv.New32a()
	case FNV1a32x4:
		return newFNV1a32x4()
	}
	panic(fmt.Sprintf("checksum: unknown kind %d", int(k)))
}

func (c *Context) Kind() Kind { return c.kind }

// Write implements io.Writer; it never fails.
func (c *Context) Write(p []byte) (int, error) {
	return c.h.Write(p)
}

// Sum finalizes the digest. The context may keep being written to.
func (c *Context) Sum() *Digest {
	return &Digest{Kind: c.kind, Bytes: c.h.Sum(nil)}
}

func (c *Context) Reset() {
	c.h.Reset()
}

// Sum computes the digest of data in one shot.
func Sum(k Kind, data []byte) (*Digest, error) {
	c, err := NewContext(k)
	if err != nil {
		return nil, err
	}
	c.Write(data)
	return c.Sum(), nil
}

// Mismatch builds the error reported when content does not hash to the
// recorded digest.
func Mismatch(expected, actual *Digest, format string, args ...any) error {
	return &errors.Error{
		Type: errors.ErrorTypeChecksumMismatch,
		Message: fmt.Sprintf("checksum mismatch for %s: expected %s, actual %s",
			fmt.Sprintf(format, args...), expected.Hex(), actual.Hex()),
		Details: map[string]string{"expected": expected.Hex(), "actual": actual.Hex()},
	}
}
