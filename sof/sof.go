// Package sof implements Antimony's Sandbox-Only Filesystem fabricator
// (C7): it materialises a per-profile "/usr/lib" tree on the host that
// the sandbox driver binds into the child, keyed by the profile's
// resolved-config hash so an unchanged profile never rebuilds.
package sof

import (
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofrs/flock"

	cerrors "antimony/errors"
	"antimony/depresolve"
	"antimony/logging"
)

// libRoots are the host directories a source path is made relative to
// when computing its SOF-relative destination, tried longest-prefix
// first so "/usr/lib64" matches before "/usr/lib" and "/lib64".
var libRoots = []string{"/usr/lib64", "/usr/lib", "/lib64", "/lib"}

// ManifestEntry records one populated or wholesale-mounted path.
type ManifestEntry struct {
	// Source is the absolute host path the entry came from.
	Source string `json:"source"`
	// Dest is the SOF-relative destination under lib/ for a populated
	// library, or the original absolute path for a wholesale directory.
	Dest string `json:"dest"`
	// Wholesale marks a directory meant to be bind-mounted as a unit
	// rather than one this package populated.
	Wholesale bool `json:"wholesale"`
}

// Entry describes a built (or already-built) SOF cache directory.
type Entry struct {
	Dir          string
	LibDir       string
	Lib64Link    string // empty if no lib64 symlink was created
	ManifestPath string
	ReadyPath    string
	Manifest     []ManifestEntry
}

// Fabricator builds and caches SOF trees under a root cache directory,
// structured <root>/<profile>/<hash>/{lib,lib64,manifest,ready}, with
// the per-hash lock file beside it at <root>/<profile>/<hash>.lock.
type Fabricator struct {
	cacheRoot string
}

// New returns a Fabricator rooted at cacheRoot (typically
// "<AT_HOME>/cache").
func New(cacheRoot string) *Fabricator {
	return &Fabricator{cacheRoot: cacheRoot}
}

// Materialize returns the built SOF cache entry for (profile, hash),
// building it if no ready entry exists yet. Concurrent callers for the
// same (profile, hash) race through an exclusive lock file; the loser
// blocks until the winner's build completes and then observes the
// ready marker.
func (f *Fabricator) Materialize(profile, hash string, result *depresolve.Result) (*Entry, error) {
	profileDir := filepath.Join(f.cacheRoot, profile)
	hashDir := filepath.Join(profileDir, hash)
	libDir := filepath.Join(hashDir, "lib")
	manifestPath := filepath.Join(hashDir, "manifest")
	readyPath := filepath.Join(hashDir, "ready")

	if entry, ok, err := f.readReady(hashDir); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	if err := os.MkdirAll(profileDir, 0755); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-mkdir-profile", profileDir)
	}

	lockPath := filepath.Join(profileDir, hash+".lock")
	lock := flock.New(lockPath)
	if err := lock.Lock(); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-lock", lockPath)
	}
	defer lock.Unlock()

	// Double-checked: another builder may have finished while we waited
	// for the lock.
	if entry, ok, err := f.readReady(hashDir); err != nil {
		return nil, err
	} else if ok {
		return entry, nil
	}

	return f.build(hashDir, libDir, manifestPath, readyPath, result)
}

func (f *Fabricator) readReady(hashDir string) (*Entry, bool, error) {
	readyPath := filepath.Join(hashDir, "ready")
	if _, err := os.Stat(readyPath); err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-stat-ready", readyPath)
	}

	manifestPath := filepath.Join(hashDir, "manifest")
	manifest, err := readManifest(manifestPath)
	if err != nil {
		return nil, false, err
	}

	entry := &Entry{
		Dir:          hashDir,
		LibDir:       filepath.Join(hashDir, "lib"),
		ManifestPath: manifestPath,
		ReadyPath:    readyPath,
		Manifest:     manifest,
	}
	if _, err := os.Lstat(filepath.Join(hashDir, "lib64")); err == nil {
		entry.Lib64Link = filepath.Join(hashDir, "lib64")
	}
	return entry, true, nil
}

func (f *Fabricator) build(hashDir, libDir, manifestPath, readyPath string, result *depresolve.Result) (*Entry, error) {
	logger := logging.WithHash(logging.Default(), filepath.Base(hashDir))

	if err := os.MkdirAll(libDir, 0755); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-mkdir-lib", libDir)
	}

	var manifest []ManifestEntry
	needsLib64 := false

	for _, source := range result.Libraries {
		rel := sofRelPath(source)
		if strings.HasPrefix(rel, "lib64"+string(filepath.Separator)) || strings.Contains(source, "/lib64/") {
			needsLib64 = true
		}
		dest := filepath.Join(libDir, rel)
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-mkdir-entry", dest)
		}
		if err := populate(source, dest, logger); err != nil {
			return nil, err
		}
		manifest = append(manifest, ManifestEntry{Source: source, Dest: rel})
	}

	for _, dir := range result.Directories {
		manifest = append(manifest, ManifestEntry{Source: dir, Dest: dir, Wholesale: true})
	}

	var lib64Link string
	if needsLib64 {
		lib64Link = filepath.Join(hashDir, "lib64")
		if err := os.Symlink("lib", lib64Link); err != nil && !os.IsExist(err) {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-symlink-lib64", lib64Link)
		}
	}

	if err := writeManifest(manifestPath, manifest); err != nil {
		return nil, err
	}
	if err := markReady(readyPath); err != nil {
		return nil, err
	}

	logger.Info("sof build complete", "libraries", len(result.Libraries), "directories", len(result.Directories))

	return &Entry{
		Dir:          hashDir,
		LibDir:       libDir,
		Lib64Link:    lib64Link,
		ManifestPath: manifestPath,
		ReadyPath:    readyPath,
		Manifest:     manifest,
	}, nil
}

// sofRelPath strips the longest matching library-root prefix from
// source so multiarch trees (e.g. "/usr/lib/x86_64-linux-gnu/libfoo.so")
// keep their subdirectory structure under lib/ and same-basename
// libraries from different roots do not collide.
func sofRelPath(source string) string {
	for _, root := range libRoots {
		if strings.HasPrefix(source, root+"/") {
			return strings.TrimPrefix(source, root+"/")
		}
	}
	return filepath.Base(source)
}

// populate links source into dest, falling back to a copy when link(2)
// fails across a filesystem boundary or without CAP_FOWNER on a
// protected-hardlinks kernel.
func populate(source, dest string, logger interface {
	Warn(msg string, args ...any)
}) error {
	err := os.Link(source, dest)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	fallback := errors.As(err, &linkErr) && (errors.Is(linkErr.Err, syscall.EXDEV) || errors.Is(linkErr.Err, syscall.EPERM))
	if !fallback {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-link", source)
	}

	logger.Warn("hard-link failed, falling back to copy", "source", source, "dest", dest, "reason", linkErr.Err)
	if err := copyFile(source, dest); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-copy", source)
	}
	return nil
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_EXCL|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func writeManifest(path string, manifest []ManifestEntry) error {
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-marshal-manifest", path)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-create-manifest", path)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-write-manifest", path)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-fsync-manifest", path)
	}
	if err := f.Close(); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-close-manifest", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-rename-manifest", path)
	}
	return nil
}

func readManifest(path string) ([]ManifestEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-read-manifest", path)
	}
	var manifest []ManifestEntry
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-unmarshal-manifest", path)
	}
	return manifest, nil
}

// markReady atomically publishes a finished build by writing to a
// temp file and renaming it into place.
func markReady(path string) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte{}, 0644); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-create-ready", path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-rename-ready", path)
	}
	return nil
}

// Remove deletes a (profile, hash) cache directory and its lock file.
// Callers are responsible for ensuring no live sandbox instance still
// references it (soft refresh) or for calling this unconditionally
// (refresh --hard).
func (f *Fabricator) Remove(profile, hash string) error {
	profileDir := filepath.Join(f.cacheRoot, profile)
	hashDir := filepath.Join(profileDir, hash)
	if err := os.RemoveAll(hashDir); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-remove", hashDir)
	}
	lockPath := filepath.Join(profileDir, hash+".lock")
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return cerrors.WrapWithDetail(err, cerrors.ErrCache, "sof-remove-lock", lockPath)
	}
	return nil
}
