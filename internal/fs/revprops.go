package fs

import (
	"context"
	"os"

	"revfs/internal/errors"
	"revfs/internal/hashdump"
	"revfs/internal/node"
)

func (fs *FS) RevisionProps(rev node.Revnum) (map[string]string, error) {
	if err := fs.ensureRevisionExists(rev); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(fs.pathRevprops(rev))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Corrupt("revision properties of r%d are missing", rev)
		}
		return nil, err
	}
	return hashdump.Decode(data)
}

func (fs *FS) RevisionProp(rev node.Revnum, name string) (string, bool, error) {
	props, err := fs.RevisionProps(rev)
	if err != nil {
		return "", false, err
	}
	v, ok := props[name]
	return v, ok, nil
}

// SetRevisionProp changes one property of a published revision; a nil
// value deletes it.
func (fs *FS) SetRevisionProp(ctx context.Context, rev node.Revnum, name string, value *string) error {
	return fs.withWriteLock(ctx, func() error {
		props, err := fs.RevisionProps(rev)
		if err != nil {
			return err
		}
		if value == nil {
			delete(props, name)
		} else {
			props[name] = *value
		}
		return writeFileAtomic(fs.pathRevprops(rev), hashdump.Encode(props))
	})
}
