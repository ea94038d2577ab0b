// Package hashdump reads and writes the length-prefixed key/value record
// format shared by changes lists, directory listings and property lists:
//
//	K <len>\n<key>\nV <len>\n<value>\n   entry
//	D <len>\n<key>\n                    removal of key
//	END\n                               terminator
package hashdump

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"revfs/internal/errors"
)

const terminator = "END"

type Record struct {
	Key     string
	Value   string
	Deleted bool
}

func WriteEntry(w io.Writer, key, value string) error {
	_, err := fmt.Fprintf(w, "K %d\n%s\nV %d\n%s\n", len(key), key, len(value), value)
	return err
}

func WriteDelete(w io.Writer, key string) error {
	_, err := fmt.Fprintf(w, "D %d\n%s\n", len(key), key)
	return err
}

func WriteEnd(w io.Writer) error {
	_, err := io.WriteString(w, terminator+"\n")
	return err
}

// Write dumps m with keys in byte order followed by the terminator.
func Write(w io.Writer, m map[string]string) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if err := WriteEntry(w, k, m[k]); err != nil {
			return err
		}
	}
	return WriteEnd(w)
}

// Encode is Write into a string.
func Encode(m map[string]string) []byte {
	var sb strings.Builder
	Write(&sb, m)
	return []byte(sb.String())
}

type Reader struct {
	r    *bufio.Reader
	done bool
}

func NewReader(r io.Reader) *Reader {
	if br, ok := r.(*bufio.Reader); ok {
		return &Reader{r: br}
	}
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record. It returns io.EOF after the terminator or
// at a clean end of input; incremental logs carry no terminator.
func (r *Reader) Next() (Record, error) {
	if r.done {
		return Record{}, io.EOF
	}

	line, err := r.r.ReadString('\n')
	if err == io.EOF && line == "" {
		r.done = true
		return Record{}, io.EOF
	}
	if err != nil {
		return Record{}, errors.Wrap(errors.ErrorTypeCorrupt, err, "truncated hash dump")
	}
	line = strings.TrimSuffix(line, "\n")

	if line == terminator {
		r.done = true
		return Record{}, io.EOF
	}

	kind, n, err := header(line)
	if err != nil {
		return Record{}, err
	}
	if kind != 'K' && kind != 'D' {
		return Record{}, errors.Corrupt("malformed hash dump header '%s'", line)
	}

	key, err := r.body(n)
	if err != nil {
		return Record{}, err
	}
	if kind == 'D' {
		return Record{Key: key, Deleted: true}, nil
	}

	line, err = r.r.ReadString('\n')
	if err != nil {
		return Record{}, errors.Wrap(errors.ErrorTypeCorrupt, err, "truncated hash dump value for '%s'", key)
	}
	kind, n, err = header(strings.TrimSuffix(line, "\n"))
	if err != nil {
		return Record{}, err
	}
	if kind != 'V' {
		return Record{}, errors.Corrupt("expected value header for '%s', got '%s'", key, strings.TrimSpace(line))
	}
	value, err := r.body(n)
	if err != nil {
		return Record{}, err
	}
	return Record{Key: key, Value: value}, nil
}

func header(line string) (byte, int, error) {
	if len(line) < 3 || line[1] != ' ' {
		return 0, 0, errors.Corrupt("malformed hash dump header '%s'", line)
	}
	n, err := strconv.Atoi(line[2:])
	if err != nil || n < 0 {
		return 0, 0, errors.Corrupt("malformed hash dump length in '%s'", line)
	}
	return line[0], n, nil
}

func (r *Reader) body(n int) (string, error) {
	buf := make([]byte, n+1)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return "", errors.Wrap(errors.ErrorTypeCorrupt, err, "truncated hash dump record")
	}
	if buf[n] != '\n' {
		return "", errors.Corrupt("hash dump record of length %d not newline terminated", n)
	}
	return string(buf[:n]), nil
}

// Read folds a whole dump into a map, applying removals.
func Read(r io.Reader) (map[string]string, error) {
	m := make(map[string]string)
	hr := NewReader(r)
	for {
		rec, err := hr.Next()
		if err == io.EOF {
			return m, nil
		}
		if err != nil {
			return nil, err
		}
		if rec.Deleted {
			delete(m, rec.Key)
		} else {
			m[rec.Key] = rec.Value
		}
	}
}

// Decode is Read from a byte slice.
func Decode(data []byte) (map[string]string, error) {
	return Read(strings.NewReader(string(data)))
}
