package checksum

import (
	"encoding/binary"
	"hash"
)

const (
	fnvPrime  = 0x01000193
	fnvOffset = 2166136261
	scaling   = 4
)

func fnv1a32(h uint32, data []byte) uint32 {
	for _, b := range data {
		h ^= uint32(b)
		h *= fnvPrime
	}
	return h
}

// fnv1a32x4 runs four FNV-1a-32 states over interleaved bytes, so that
// byte i feeds state i%4. The four states plus the 0-3 bytes that did not
// fill a complete stripe are then folded with plain FNV-1a-32.
type fnv1a32x4 struct {
	states [scaling]uint32
	buf    [scaling]byte
	n      int
}

var _ hash.Hash32 = (*fnv1a32x4)(nil)

func newFNV1a32x4() *fnv1a32x4 {
	f := &fnv1a32x4{}
	f.Reset()
	return f
}

func (f *fnv1a32x4) Reset() {
	for i := range f.states {
		f.states[i] = fnvOffset
	}
	f.n = 0
}

func (f *fnv1a32x4) Size() int      { return 4 }
func (f *fnv1a32x4) BlockSize() int { return scaling }

func (f *fnv1a32x4) stripe(p []byte) {
	for i := 0; i < scaling; i++ {
		f.states[i] ^= uint32(p[i])
		f.states[i] *= fnvPrime
	}
}

func (f *fnv1a32x4) Write(p []byte) (int, error) {
	total := len(p)
	if f.n > 0 {
		k := copy(f.buf[f.n:], p)
		f.n += k
		p = p[k:]
		if f.n < scaling {
			return total, nil
		}
		f.stripe(f.buf[:])
		f.n = 0
	}
	for len(p) >= scaling {
		f.stripe(p[:scaling])
		p = p[scaling:]
	}
	f.n = copy(f.buf[:], p)
	return total, nil
}

func (f *fnv1a32x4) Sum32() uint32 {
	var final [scaling*4 + scaling]byte
	for i, s := range f.states {
		binary.BigEndian.PutUint32(final[i*4:], s)
	}
	copy(final[scaling*4:], f.buf[:f.n])
	return fnv1a32(fnvOffset, final[:scaling*4+f.n])
}

func (f *fnv1a32x4) Sum(b []byte) []byte {
	return binary.BigEndian.AppendUint32(b, f.Sum32())
}

// FNV1a32x4Sum is the one-shot form used on hot paths that only need the
// integer value.
func FNV1a32x4Sum(data []byte) uint32 {
	f := newFNV1a32x4()
	f.Write(data)
	return f.Sum32()
}
