// Package tempobj implements Antimony's temp-object factory (C4):
// RAII-style files, directories, and unix sockets with randomised or
// caller-supplied names, created (optionally) under a specific identity
// via the privilege gate, and deleted under that same identity.
package tempobj

import (
	"fmt"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	cerrors "antimony/errors"
	"antimony/privilege"
)

// Kind identifies what a temp object is backed by.
type Kind int

const (
	KindFile Kind = iota
	KindDir
	KindSocket
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSocket:
		return "socket"
	default:
		return "unknown"
	}
}

const defaultParentDir = "/tmp"

// Options configures a single temp object.
type Options struct {
	// Name is used verbatim if set; otherwise a uuid-derived name is generated.
	Name string
	// ParentDir overrides the factory's default parent directory.
	ParentDir string
	// Owner, if set, creates (and later deletes) the object under this
	// identity via the Factory's Gate.
	Owner *privilege.Mode
	// Make, when false, only reserves the path (computes and returns it)
	// without creating anything — used for sockets a caller will bind later.
	Make bool
}

// Factory constructs temp objects rooted at a parent directory (default
// /tmp), optionally switching identity via a privilege.Gate for creation
// and deletion.
type Factory struct {
	parentDir string
	gate      *privilege.Gate
}

// New returns a Factory. gate may be nil if no object in this factory's
// lifetime needs an owner other than the current process identity.
func New(parentDir string, gate *privilege.Gate) *Factory {
	if parentDir == "" {
		parentDir = defaultParentDir
	}
	return &Factory{parentDir: parentDir, gate: gate}
}

// Object is a single temp object with scoped deletion.
type Object struct {
	Path  string
	Kind  Kind
	owner *privilege.Mode
	gate  *privilege.Gate
}

func (f *Factory) resolvePath(opts Options) string {
	dir := opts.ParentDir
	if dir == "" {
		dir = f.parentDir
	}
	name := opts.Name
	if name == "" {
		name = uuid.NewString()
	}
	return filepath.Join(dir, name)
}

// Create builds the object described by opts. If opts.Make is false, the
// path is only reserved (no file/dir/socket is created) — the caller is
// expected to bind a socket there later.
func (f *Factory) Create(kind Kind, opts Options) (*Object, error) {
	path := f.resolvePath(opts)
	obj := &Object{Path: path, Kind: kind, owner: opts.Owner, gate: f.gate}

	if !opts.Make {
		return obj, nil
	}

	var release func()
	if opts.Owner != nil && f.gate != nil {
		prior, err := f.gate.Set(*opts.Owner)
		if err != nil {
			return nil, err
		}
		release = func() { f.gate.Restore(prior) }
	}
	if release != nil {
		defer release()
	}

	if err := create(kind, path); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrInternal, "tempobj-create", path)
	}

	return obj, nil
}

func create(kind Kind, path string) error {
	switch kind {
	case KindFile:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
		if err != nil {
			return err
		}
		return f.Close()
	case KindDir:
		return os.Mkdir(path, 0700)
	case KindSocket:
		l, err := net.Listen("unix", path)
		if err != nil {
			return err
		}
		return l.Close()
	default:
		return fmt.Errorf("tempobj: unknown kind %v", kind)
	}
}

// Delete removes the object under the same identity it was created with.
func (o *Object) Delete() error {
	var release func()
	if o.owner != nil && o.gate != nil {
		prior, err := o.gate.Set(*o.owner)
		if err != nil {
			return err
		}
		release = func() { o.gate.Restore(prior) }
	}
	if release != nil {
		defer release()
	}

	if o.Kind == KindDir {
		return os.RemoveAll(o.Path)
	}
	if err := os.Remove(o.Path); err != nil && !os.IsNotExist(err) {
		return cerrors.WrapWithDetail(err, cerrors.ErrInternal, "tempobj-delete", o.Path)
	}
	return nil
}
