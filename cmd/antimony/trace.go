package main

import (
	"bufio"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"antimony/profile"
	"antimony/sandbox"
)

// enoentLine matches an strace -f line reporting ENOENT against a
// quoted path argument, e.g.:
//
//	1234 openat(AT_FDCWD, "/usr/share/foo/bar", O_RDONLY) = -1 ENOENT (No such file or directory)
var enoentLine = regexp.MustCompile(`"([^"]+)"[^=]*=\s*-1\s+ENOENT`)

// reportMissingPaths implements the `trace` scenario from spec §8: for
// every ENOENT path the strace log recorded, report which features (if
// any) in the user/system feature directories carry that exact path in
// their read-only/read-write file lists, or list a directory that is a
// string prefix of it.
func reportMissingPaths(d *sandbox.Driver, profileName, traceLog string) error {
	f, err := os.Open(traceLog)
	if err != nil {
		return fmt.Errorf("trace: open log: %w", err)
	}
	defer f.Close()

	missing := map[string]bool{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := enoentLine.FindStringSubmatch(scanner.Text()); m != nil {
			missing[m[1]] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("trace: read log: %w", err)
	}
	if len(missing) == 0 {
		fmt.Println("trace: no ENOENT paths observed")
		return nil
	}

	names := featureNames(d)
	paths := make([]string, 0, len(missing))
	for p := range missing {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		var satisfiers []string
		for _, name := range names {
			feat, err := d.Profiles.LoadFeature(name)
			if err != nil {
				continue
			}
			if featureCoversPath(feat, p) {
				satisfiers = append(satisfiers, name)
			}
		}
		if len(satisfiers) > 0 {
			fmt.Printf("%s: missing, satisfied by feature(s): %s\n", p, strings.Join(satisfiers, ", "))
		} else {
			fmt.Printf("%s: missing, no feature would satisfy it\n", p)
		}
	}
	return nil
}

func featureCoversPath(f *profile.Feature, path string) bool {
	for _, entry := range f.ReadOnly {
		if entry.Path == path {
			return true
		}
	}
	for _, entry := range f.ReadWrite {
		if entry.Path == path {
			return true
		}
	}
	for _, dir := range f.Directories {
		if strings.HasPrefix(path, dir) {
			return true
		}
	}
	return false
}

// featureNames lists every feature name available in the user and
// system feature directories, user overrides taking precedence by name.
func featureNames(d *sandbox.Driver) []string {
	seen := map[string]bool{}
	var names []string
	for _, dir := range []string{d.Profiles.UserFeatureDir, d.Profiles.SystemFeatureDir} {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".toml") {
				continue
			}
			name := strings.TrimSuffix(e.Name(), ".toml")
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	sort.Strings(names)
	return names
}
