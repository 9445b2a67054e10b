// Package depresolve implements Antimony's dependency resolver (C6):
// given a target executable, produces the closed set of libraries and
// binaries it needs to run, by walking ELF DT_NEEDED entries, parsing
// shell-script shebang targets, and applying library globs and
// wholesale-directory markers a profile's features declare.
package depresolve

import (
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	cerrors "antimony/errors"
	"antimony/which"
)

// Result is the closed dependency set for one target.
type Result struct {
	// Libraries are ordered-unique absolute paths to shared objects.
	Libraries []string
	// Binaries are ordered-unique absolute paths to helper executables
	// (resolved shell commands, mostly).
	Binaries []string
	// Directories are wholesale-mount candidates: mount the directory,
	// do not enumerate its contents individually.
	Directories []string
}

func newResult() *Result {
	return &Result{}
}

func (r *Result) addLibrary(path string) {
	if path == "" || contains(r.Libraries, path) {
		return
	}
	r.Libraries = append(r.Libraries, path)
}

func (r *Result) addBinary(path string) {
	if path == "" || contains(r.Binaries, path) {
		return
	}
	r.Binaries = append(r.Binaries, path)
}

func (r *Result) addDirectory(path string) {
	if path == "" || contains(r.Directories, path) {
		return
	}
	r.Directories = append(r.Directories, path)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Resolver walks targets and memoises both ELF and shell parses by
// file fingerprint (mtime+size), so repeated runs against an unchanged
// SOF tree do no redundant I/O.
type Resolver struct {
	which *which.Resolver

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	fingerprint fingerprint
	libraries   []string
	binaries    []string
}

type fingerprint struct {
	size    int64
	modTime int64
}

func fingerprintOf(info os.FileInfo) fingerprint {
	return fingerprint{size: info.Size(), modTime: info.ModTime().UnixNano()}
}

// New returns a Resolver that uses w to resolve bare command names
// harvested from shell scripts.
func New(w *which.Resolver) *Resolver {
	return &Resolver{which: w, cache: make(map[string]cacheEntry)}
}

// LibraryGlob is a user- or feature-supplied pattern (e.g.
// "libOkular6Core*") matched against a library search directory to add
// runtime-loaded libraries invisible to DT_NEEDED.
type LibraryGlob struct {
	Pattern string
}

// WholesaleDir is a feature-declared directory that must be mounted as
// a unit rather than enumerated (e.g. "/usr/lib/qt6").
type WholesaleDir struct {
	Path string
}

// libDirs are the directories library globs are matched against, per
// spec §4.6 step 4.
var libDirs = []string{"/usr/lib", "/usr/lib64"}

// Resolve produces the closed dependency set for target (an absolute
// path, or a bare name resolved via C3 first), applying globs and
// wholesale directories on top of the ELF/shell walk.
func (r *Resolver) Resolve(target string, globs []LibraryGlob, wholesale []WholesaleDir) (*Result, error) {
	path := target
	if !filepath.IsAbs(path) {
		resolved, ok := r.which.Resolve(path)
		if !ok {
			return nil, cerrors.New(cerrors.ErrResolution, "resolve-target", target)
		}
		path = resolved
	}

	result := newResult()
	if err := r.walk(path, result, make(map[string]bool)); err != nil {
		return nil, err
	}

	for _, g := range globs {
		if err := applyGlob(g.Pattern, result); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "apply-glob", g.Pattern)
		}
	}
	for _, d := range wholesale {
		result.addDirectory(d.Path)
	}

	sort.Strings(result.Libraries)
	sort.Strings(result.Binaries)
	sort.Strings(result.Directories)
	return result, nil
}

// walk classifies path and dispatches to the ELF or shell handler,
// accumulating into result. visited guards against cycles in a
// pathological DT_NEEDED graph or a self-referential shell wrapper.
func (r *Resolver) walk(path string, result *Result, visited map[string]bool) error {
	if visited[path] {
		return nil
	}
	visited[path] = true

	kind, err := classify(path)
	if err != nil {
		return cerrors.WrapWithDetail(err, cerrors.ErrResolution, "classify", path)
	}

	switch kind {
	case kindELF:
		libs, err := r.resolveELF(path)
		if err != nil {
			return err
		}
		for _, l := range libs {
			result.addLibrary(l)
		}
		return nil
	case kindShellScript:
		bins, err := r.resolveShell(path)
		if err != nil {
			return err
		}
		for _, b := range bins {
			result.addBinary(b)
			// A resolved helper binary is itself a dependency target:
			// walk it too, so its own libraries/sub-commands are
			// captured (bounded by visited).
			if binErr := r.walk(b, result, visited); binErr != nil {
				return binErr
			}
		}
		return nil
	default:
		return nil
	}
}

// applyGlob matches pattern against each configured library directory
// and adds every hit as a library.
func applyGlob(pattern string, result *Result) error {
	for _, dir := range libDirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		entries, err := os.ReadDir(dir)
		if err != nil {
			return err
		}
		for _, e := range entries {
			matched, err := doublestar.Match(pattern, e.Name())
			if err != nil {
				return err
			}
			if matched {
				result.addLibrary(filepath.Join(dir, e.Name()))
			}
		}
	}
	return nil
}

type kind int

const (
	kindData kind = iota
	kindELF
	kindShellScript
)

// classify reads a file's magic to decide ELF vs shebang-script vs
// opaque data, per spec §4.6 step 1.
func classify(path string) (kind, error) {
	f, err := os.Open(path)
	if err != nil {
		return kindData, err
	}
	defer f.Close()

	header := make([]byte, 4)
	n, err := f.Read(header)
	if err != nil && n == 0 {
		return kindData, nil
	}
	if n >= 4 && header[0] == 0x7f && header[1] == 'E' && header[2] == 'L' && header[3] == 'F' {
		return kindELF, nil
	}
	if n >= 2 && header[0] == '#' && header[1] == '!' {
		return kindShellScript, nil
	}
	return kindData, nil
}

// readShebangInterpreter returns the interpreter path named on a
// script's first line (e.g. "/bin/sh" from "#!/bin/sh").
func readShebangInterpreter(path string) (string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return "", nil, scanner.Err()
	}
	line := scanner.Text()
	if len(line) < 2 || line[0] != '#' || line[1] != '!' {
		return "", nil, nil
	}
	fields := splitFields(line[2:])
	if len(fields) == 0 {
		return "", nil, nil
	}
	return fields[0], fields[1:], nil
}

func splitFields(s string) []string {
	var fields []string
	start := -1
	for i, r := range s {
		if r == ' ' || r == '\t' {
			if start >= 0 {
				fields = append(fields, s[start:i])
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		fields = append(fields, s[start:])
	}
	return fields
}
