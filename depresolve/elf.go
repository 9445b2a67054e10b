package depresolve

import (
	"debug/elf"
	"os"
	"path/filepath"

	cerrors "antimony/errors"
)

// defaultSearchPath mirrors the dynamic linker's default search rules
// for a binary with no DT_RPATH/DT_RUNPATH of its own — a simplified
// but representative subset (no ld.so.cache parsing) since Antimony
// only needs "does this path exist", not full linker-compatible
// resolution order.
var defaultSearchPath = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64", "/usr/local/lib"}

// resolveELF walks path's DT_NEEDED entries transitively, memoised by
// file fingerprint so an unchanged binary is never re-parsed.
func (r *Resolver) resolveELF(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "stat-elf", path)
	}
	fp := fingerprintOf(info)

	r.mu.Lock()
	if entry, ok := r.cache[path]; ok && entry.fingerprint == fp {
		r.mu.Unlock()
		return entry.libraries, nil
	}
	r.mu.Unlock()

	libs, err := walkELF(path, make(map[string]bool))
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[path] = cacheEntry{fingerprint: fp, libraries: libs}
	r.mu.Unlock()

	return libs, nil
}

// walkELF transitively resolves DT_NEEDED entries starting at path.
// visited is keyed by soname to short-circuit a library graph with
// diamond dependencies or (pathologically) a cycle.
func walkELF(path string, visited map[string]bool) ([]string, error) {
	f, err := elf.Open(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "elf-open", path)
	}
	defer f.Close()

	needed, err := f.ImportedLibraries()
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "elf-imported-libraries", path)
	}

	// debug/elf does not expose DT_RPATH/DT_RUNPATH directly (no
	// dynamic string-table accessor for arbitrary tags); falling back
	// to the default search path only is conservative — it can miss a
	// binary that relies on $ORIGIN-relative libraries; such a soname
	// is left out of the result like any other unresolved one.
	search := defaultSearchPath

	var libs []string
	for _, soname := range needed {
		if visited[soname] {
			continue
		}
		visited[soname] = true

		resolved := resolveSoname(soname, search)
		if resolved == "" {
			// Not found on any search path — leave it out of the
			// result rather than failing the whole walk; no error or
			// warning is reported for it.
			continue
		}
		libs = append(libs, resolved)

		sub, err := walkELF(resolved, visited)
		if err != nil {
			continue
		}
		libs = append(libs, sub...)
	}
	return libs, nil
}

func resolveSoname(soname string, search []string) string {
	if filepath.IsAbs(soname) {
		if _, err := os.Stat(soname); err == nil {
			return soname
		}
		return ""
	}
	for _, dir := range search {
		candidate := filepath.Join(dir, soname)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
