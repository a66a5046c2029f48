// Package platform holds the thin host bindings the protocol core
// depends on. The core only ever sees the interfaces; the daemons
// decide what backs them.
package platform

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// File is a seekable resource handle, open for reading or writing.
type File interface {
	io.ReadWriteSeeker
	io.Closer
}

// Storage provides named-resource access for transfers and the file
// endpoints. Names are flat; implementations must not let a name
// escape their root.
type Storage interface {
	// Create opens name for writing, truncating any prior content.
	Create(name string) (File, error)
	// Open opens name for reading.
	Open(name string) (File, error)
	// Append opens name for appending, creating it when absent.
	Append(name string) (io.WriteCloser, error)
	// Size returns the byte size of name.
	Size(name string) (int64, error)
}

// Dir is Storage backed by a single directory.
type Dir struct {
	root string
}

func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrap(err, "storage dir")
	}
	return &Dir{root: root}, nil
}

func (d *Dir) path(name string) (string, error) {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "" || name == "." || name == ".." {
		return "", errors.Errorf("invalid resource name %q", name)
	}
	return filepath.Join(d.root, name), nil
}

func (d *Dir) Create(name string) (File, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Create(p)
	if err != nil {
		return nil, errors.Wrapf(err, "create %s", name)
	}
	return f, nil
}

func (d *Dir) Open(name string) (File, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", name)
	}
	return f, nil
}

func (d *Dir) Append(name string) (io.WriteCloser, error) {
	p, err := d.path(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "append %s", name)
	}
	return f, nil
}

func (d *Dir) Size(name string) (int64, error) {
	p, err := d.path(name)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		return 0, errors.Wrapf(err, "stat %s", name)
	}
	return fi.Size(), nil
}
