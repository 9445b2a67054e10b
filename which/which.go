// Package which implements Antimony's executable resolver (C3): a PATH
// search that fans out across every PATH entry concurrently and returns
// whichever match is found first, not necessarily the left-most entry in
// PATH order. This is a deliberate, documented divergence from POSIX
// `which` in exchange for lower latency on wide PATHs.
package which

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Resolver caches resolved paths for the lifetime of a process.
type Resolver struct {
	mu    sync.RWMutex
	cache map[string]string // name -> absolute path, empty string means "not found"
	path  []string
}

// New builds a Resolver over the given PATH entries. If path is nil, the
// process's own $PATH is split and used.
func New(path []string) *Resolver {
	if path == nil {
		path = splitPath(os.Getenv("PATH"))
	}
	return &Resolver{
		cache: make(map[string]string),
		path:  path,
	}
}

func splitPath(p string) []string {
	if p == "" {
		return nil
	}
	parts := strings.Split(p, string(os.PathListSeparator))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Resolve returns the absolute path for name. An absolute input bypasses
// the search entirely (and is not cached, since there is nothing to
// search). Returns ok=false if no PATH entry has an executable file
// named name.
func (r *Resolver) Resolve(name string) (path string, ok bool) {
	if filepath.IsAbs(name) {
		return name, isExecutable(name)
	}

	r.mu.RLock()
	if cached, hit := r.cache[name]; hit {
		r.mu.RUnlock()
		return cached, cached != ""
	}
	r.mu.RUnlock()

	found := r.search(name)

	r.mu.Lock()
	r.cache[name] = found
	r.mu.Unlock()

	return found, found != ""
}

// search fans a goroutine out per PATH entry and returns whichever
// candidate is confirmed executable first. Losing goroutines are allowed
// to finish on their own; none of them mutate shared state beyond
// sending on a buffered channel, so no cancellation plumbing is needed.
func (r *Resolver) search(name string) string {
	if len(r.path) == 0 {
		return ""
	}

	type result struct {
		path  string
		found bool
	}
	results := make(chan result, len(r.path))

	var wg sync.WaitGroup
	for _, dir := range r.path {
		wg.Add(1)
		go func(dir string) {
			defer wg.Done()
			candidate := filepath.Join(dir, name)
			results <- result{path: candidate, found: isExecutable(candidate)}
		}(dir)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		if res.found {
			return res.path
		}
	}
	return ""
}

// isExecutable reports whether path exists, is a regular file, and has
// at least one executable bit set.
func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}

// Forget removes name from the cache, forcing the next Resolve to
// re-search.
func (r *Resolver) Forget(name string) {
	r.mu.Lock()
	delete(r.cache, name)
	r.mu.Unlock()
}
