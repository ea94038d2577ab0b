// internal/delta/codec.go
package delta

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// MinBaseLen is the shortest base usable as a dictionary. Shorter bases
// are stored as self-deltas instead.
const MinBaseLen = 8

// Frames encoded against a base carry this dictionary id.
const dictID = 1

// Codec encodes representation content either on its own (self-delta)
// or against a base text, which is loaded as a raw zstd dictionary.
type Codec struct {
	level zstd.EncoderLevel

	// Self-delta encoder/decoder pools; no New func so Close can drain them
	encoders sync.Pool
	decoders sync.Pool

	bufs sync.Pool
}

func New(level int) (*Codec, error) {
	encLevel := zstd.EncoderLevelFromZstd(level)

	// Create encoder/decoder for validation
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(encLevel),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
	if err != nil {
		return nil, fmt.Errorf("creating test encoder: %w", err)
	}
	enc.Close()

	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, fmt.Errorf("creating test decoder: %w", err)
	}
	dec.Close()

	c := &Codec{
		level: encLevel,
		bufs: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 32*1024))
			},
		},
	}
	return c, nil
}

func (c *Codec) getEncoder() (*zstd.Encoder, error) {
	if enc, ok := c.encoders.Get().(*zstd.Encoder); ok {
		return enc, nil
	}
	return zstd.NewWriter(nil,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
	)
}

func (c *Codec) getDecoder() (*zstd.Decoder, error) {
	if dec, ok := c.decoders.Get().(*zstd.Decoder); ok {
		return dec, nil
	}
	return zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
}

// UsableBase reports whether base can serve as a delta base.
func UsableBase(base []byte) bool {
	return len(base) >= MinBaseLen
}

type pooledEncoder struct {
	*zstd.Encoder
	release func()
}

func (p *pooledEncoder) Close() error {
	err := p.Encoder.Close()
	p.release()
	return err
}

// NewEncoder returns a writer that encodes everything written to it into
// w. A nil base produces a self-delta. The caller must Close the writer
// to flush the final block.
func (c *Codec) NewEncoder(w io.Writer, base []byte) (io.WriteCloser, error) {
	if base == nil {
		enc, err := c.getEncoder()
		if err != nil {
			return nil, fmt.Errorf("creating encoder: %w", err)
		}
		enc.Reset(w)
		var once sync.Once
		return &pooledEncoder{Encoder: enc, release: func() {
			once.Do(func() { c.encoders.Put(enc) })
		}}, nil
	}
	if !UsableBase(base) {
		return nil, fmt.Errorf("delta base of %d bytes is too short", len(base))
	}

	enc, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(c.level),
		zstd.WithEncoderConcurrency(1),
		zstd.WithZeroFrames(true),
		zstd.WithEncoderDictRaw(dictID, base),
	)
	if err != nil {
		return nil, fmt.Errorf("creating delta encoder: %w", err)
	}
	return enc, nil
}

// Encode is the one-shot form of NewEncoder.
func (c *Codec) Encode(base, target []byte) ([]byte, error) {
	buf := c.bufs.Get().(*bytes.Buffer)
	defer c.bufs.Put(buf)
	buf.Reset()

	enc, err := c.NewEncoder(buf, base)
	if err != nil {
		return nil, err
	}
	if _, err := enc.Write(target); err != nil {
		enc.Close()
		return nil, fmt.Errorf("encoding delta: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalizing delta: %w", err)
	}
	return append([]byte(nil), buf.Bytes()...), nil
}

// Apply reconstructs the target text from base and an encoded delta.
func (c *Codec) Apply(base, delta []byte) ([]byte, error) {
	if base == nil {
		dec, err := c.getDecoder()
		if err != nil {
			return nil, fmt.Errorf("creating decoder: %w", err)
		}
		defer c.decoders.Put(dec)

		out, err := dec.DecodeAll(delta, nil)
		if err != nil {
			return nil, fmt.Errorf("decoding self-delta: %w", err)
		}
		return out, nil
	}

	dec, err := zstd.NewReader(nil,
		zstd.WithDecoderConcurrency(1),
		zstd.WithDecoderDictRaw(dictID, base),
	)
	if err != nil {
		return nil, fmt.Errorf("creating delta decoder: %w", err)
	}
	defer dec.Close()

	out, err := dec.DecodeAll(delta, nil)
	if err != nil {
		return nil, fmt.Errorf("applying delta: %w", err)
	}
	return out, nil
}

// Close releases pooled encoders and decoders.
func (c *Codec) Close() {
	for {
		enc, ok := c.encoders.Get().(*zstd.Encoder)
		if !ok {
			break
		}
		enc.Close()
	}
	for {
		dec, ok := c.decoders.Get().(*zstd.Decoder)
		if !ok {
			break
		}
		dec.Close()
	}
}
