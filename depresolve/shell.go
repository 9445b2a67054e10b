package depresolve

import (
	"bufio"
	"os"
	"strings"

	cerrors "antimony/errors"
)

// resolveShell tokenises a shell-script target restricted to variable
// expansion and command substitution, harvests the shebang interpreter
// and the command words of each line (the leading word and the leading
// word of each substitution, bare name or absolute path), and resolves
// them via C3. Path-like literals in argument positions are not
// harvested. Command substitution ($(...) / `...`) is resolved by
// extracting the command name referenced inside it and handing that
// name to the resolver — the harvest only needs to know which other
// binaries a wrapper script may exec, not the substituted value, so
// there is no need to actually execute untrusted script fragments
// during dependency discovery.
func (r *Resolver) resolveShell(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "stat-shell", path)
	}
	fp := fingerprintOf(info)

	r.mu.Lock()
	if entry, ok := r.cache[path]; ok && entry.fingerprint == fp {
		r.mu.Unlock()
		return entry.binaries, nil
	}
	r.mu.Unlock()

	names, err := harvestCommandNames(path)
	if err != nil {
		return nil, err
	}

	var bins []string
	seen := make(map[string]bool)
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		if resolved, ok := r.which.Resolve(name); ok {
			bins = append(bins, resolved)
		}
	}

	r.mu.Lock()
	entry := r.cache[path]
	entry.fingerprint = fp
	entry.binaries = bins
	r.cache[path] = entry
	r.mu.Unlock()

	return bins, nil
}

// harvestCommandNames scans a script's lines for the shebang
// interpreter, simple-command leading words, and command-substitution
// targets, expanding $VAR/${VAR} references against the current
// process environment.
func harvestCommandNames(path string) ([]string, error) {
	var names []string

	if interp, _, err := readShebangInterpreter(path); err == nil && interp != "" {
		names = append(names, interp)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "open-shell", path)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := scanner.Text()
		if first {
			first = false
			if strings.HasPrefix(line, "#!") {
				continue
			}
		}
		line = expandVars(line)
		names = append(names, harvestLine(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, cerrors.WrapWithDetail(err, cerrors.ErrResolution, "scan-shell", path)
	}
	return names, nil
}

// harvestLine extracts the leading simple-command word (if any) and
// every command named inside a $(...) or `...` substitution on the
// line.
func harvestLine(line string) []string {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return nil
	}

	var names []string
	if fields := splitFields(trimmed); len(fields) > 0 {
		if name, ok := commandWord(fields[0]); ok {
			names = append(names, name)
		}
	}
	names = append(names, harvestSubstitutions(line)...)
	return names
}

// commandWord rejects assignments (FOO=bar), pure control-flow
// keywords, and variable references, keeping only tokens that plausibly
// name a command or an absolute path.
func commandWord(word string) (string, bool) {
	if word == "" || strings.Contains(word, "=") {
		return "", false
	}
	switch word {
	case "if", "then", "else", "elif", "fi", "for", "while", "do", "done", "case", "esac", "{", "}":
		return "", false
	}
	if strings.HasPrefix(word, "$") {
		return "", false
	}
	return word, true
}

// harvestSubstitutions pulls the first word out of every $(...) and
// `...` span in line.
func harvestSubstitutions(line string) []string {
	var names []string
	for _, span := range findSpans(line, "$(", ")") {
		if fields := splitFields(strings.TrimSpace(span)); len(fields) > 0 {
			if name, ok := commandWord(fields[0]); ok {
				names = append(names, name)
			}
		}
	}
	for _, span := range findBacktickSpans(line) {
		if fields := splitFields(strings.TrimSpace(span)); len(fields) > 0 {
			if name, ok := commandWord(fields[0]); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func findSpans(s, open, close string) []string {
	var spans []string
	for {
		start := strings.Index(s, open)
		if start < 0 {
			break
		}
		rest := s[start+len(open):]
		end := strings.Index(rest, close)
		if end < 0 {
			break
		}
		spans = append(spans, rest[:end])
		s = rest[end+len(close):]
	}
	return spans
}

func findBacktickSpans(s string) []string {
	var spans []string
	for {
		start := strings.IndexByte(s, '`')
		if start < 0 {
			break
		}
		rest := s[start+1:]
		end := strings.IndexByte(rest, '`')
		if end < 0 {
			break
		}
		spans = append(spans, rest[:end])
		s = rest[end+1:]
	}
	return spans
}

// expandVars substitutes $NAME and ${NAME} references from the
// process environment, leaving unresolved names as empty strings — the
// same behaviour a shell gives an unset variable with no default.
func expandVars(line string) string {
	var b strings.Builder
	for i := 0; i < len(line); i++ {
		c := line[i]
		if c != '$' || i == len(line)-1 {
			b.WriteByte(c)
			continue
		}
		if line[i+1] == '{' {
			end := strings.IndexByte(line[i+2:], '}')
			if end < 0 {
				b.WriteByte(c)
				continue
			}
			name := line[i+2 : i+2+end]
			b.WriteString(os.Getenv(name))
			i += 2 + end
			continue
		}
		if line[i+1] == '(' {
			// Command substitution is left intact for
			// harvestSubstitutions to find; do not touch it here.
			b.WriteByte(c)
			continue
		}
		j := i + 1
		for j < len(line) && isVarNameByte(line[j]) {
			j++
		}
		if j == i+1 {
			b.WriteByte(c)
			continue
		}
		name := line[i+1 : j]
		b.WriteString(os.Getenv(name))
		i = j - 1
	}
	return b.String()
}

func isVarNameByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
