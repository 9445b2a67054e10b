package profile

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/pelletier/go-toml/v2"

	cerrors "antimony/errors"
)

// Store loads profiles and features from the user and system directories,
// implementing the lookup order from §4.8 step 1 (user overrides system).
type Store struct {
	UserProfileDir   string
	SystemProfileDir string
	UserFeatureDir   string
	SystemFeatureDir string
}

// LoadProfile loads a profile by name, trying the user directory before
// falling back to the system directory.
func (s *Store) LoadProfile(name string) (*Profile, error) {
	for _, dir := range []string{s.UserProfileDir, s.SystemProfileDir} {
		path := filepath.Join(dir, name+".toml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, cerrors.WrapWithProfile(err, cerrors.ErrConfiguration, "load-profile", name)
		}

		var p Profile
		if err := toml.Unmarshal(data, &p); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrConfiguration, "load-profile",
				fmt.Sprintf("%s: invalid TOML", path))
		}
		p.Name = name
		p.InheritsSet = hasKey(data, "inherits")
		return &p, nil
	}
	return nil, cerrors.WrapWithProfile(cerrors.ErrProfileNotFound, cerrors.ErrConfiguration, "load-profile", name)
}

// LoadFeature loads a named feature, user directory first.
func (s *Store) LoadFeature(name string) (*Feature, error) {
	for _, dir := range []string{s.UserFeatureDir, s.SystemFeatureDir} {
		path := filepath.Join(dir, name+".toml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrConfiguration, "load-feature", name)
		}

		var f Feature
		if err := toml.Unmarshal(data, &f); err != nil {
			return nil, cerrors.WrapWithDetail(err, cerrors.ErrConfiguration, "load-feature",
				fmt.Sprintf("%s: invalid TOML", path))
		}
		f.Name = name
		return &f, nil
	}
	return nil, cerrors.WrapWithDetail(cerrors.ErrFeatureUnresolved, cerrors.ErrConfiguration, "load-feature", name)
}

// hasKey reports whether a raw TOML document sets the named top-level key,
// used to distinguish an explicit `inherits = []` from an absent key (the
// Open Question in spec §9: both must behave differently).
func hasKey(data []byte, key string) bool {
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return false
	}
	_, ok := raw[key]
	return ok
}

// validateID checks the id invariant from spec §3: if present, an id must
// either contain '.' or be driver-prefixed with "antimony.".
func validateID(id string) (string, error) {
	if id == "" {
		return "", nil
	}
	for _, r := range id {
		if r == '.' {
			return id, nil
		}
	}
	return "antimony." + id, nil
}

// Resolve runs the full pipeline from §4.8: load, configuration merge,
// fill-only inherit (depth 1), implicit Default inherit, feature
// expansion with conflict pruning, then the CLI overlay. The result is
// canonicalised and hashed.
func (s *Store) Resolve(name, configuration string, cli *CLIOverlay) (*Resolved, error) {
	visited := map[string]bool{}
	working, err := s.loadAndConfigure(name, configuration, visited)
	if err != nil {
		return nil, err
	}

	inherits := working.Inherits
	inheritsSet := working.InheritsSet
	if cli != nil && cli.InheritsSet {
		inherits = cli.Inherits
		inheritsSet = true
	}

	if inheritsSet {
		// Each named parent is loaded with its own configuration already
		// applied and is itself forbidden from inheriting further (depth 1).
		for _, parentName := range inherits {
			parent, err := s.loadAndConfigure(parentName, "", map[string]bool{name: true})
			if err != nil {
				return nil, err
			}
			fillMissing(working, parent)
		}
	} else {
		// Implicit Default inherit (fill-only), unless this profile IS Default.
		if name != "Default" {
			def, err := s.loadAndConfigure("Default", "", map[string]bool{name: true})
			if err == nil {
				fillMissing(working, def)
			} else if !cerrors.IsKind(err, cerrors.ErrConfiguration) {
				return nil, err
			}
		}
	}

	id, err := validateID(working.ID)
	if err != nil {
		return nil, err
	}
	working.ID = id

	accumulated, err := s.expandFeatures(working.Features)
	if err != nil {
		return nil, err
	}

	res := merge(working, accumulated)

	if cli != nil {
		applyCLIOverlay(res, cli)
	}

	canon, err := canonicalise(res)
	if err != nil {
		return nil, err
	}
	res.Hash = canon
	return res, nil
}

// loadAndConfigure loads a profile and shallow-merges a selected
// configuration over it (§4.8 steps 1-2). visited guards against a
// profile (directly or via inherits) including itself.
func (s *Store) loadAndConfigure(name, configuration string, visited map[string]bool) (*Profile, error) {
	if visited[name] {
		return nil, cerrors.WrapWithProfile(cerrors.ErrInheritDepth, cerrors.ErrConfiguration, "resolve", name)
	}

	p, err := s.LoadProfile(name)
	if err != nil {
		return nil, err
	}

	if configuration != "" {
		cfg, ok := p.Configurations[configuration]
		if !ok {
			return nil, cerrors.New(cerrors.ErrConfiguration, "resolve",
				fmt.Sprintf("profile %s has no configuration %q", name, configuration))
		}
		applyConfiguration(p, &cfg)
	}

	return p, nil
}

// applyConfiguration shallow-merges a configuration over its profile.
// Path and id are preserved unless the configuration explicitly
// overrides them (§3's invariant), every other field is additive.
func applyConfiguration(p *Profile, cfg *Configuration) {
	if cfg.Path != nil {
		p.Path = *cfg.Path
	}
	if cfg.ID != nil {
		p.ID = *cfg.ID
	}
	p.Features = append(p.Features, cfg.Features...)
	p.ReadOnly = append(p.ReadOnly, cfg.ReadOnly...)
	p.ReadWrite = append(p.ReadWrite, cfg.ReadWrite...)
	if p.Environment == nil {
		p.Environment = map[string]string{}
	}
	for k, v := range cfg.Environment {
		p.Environment[k] = v
	}
}

// fillMissing fills only fields the working profile left unset, per the
// fill-only inherit semantics of §4.8 step 3/4: "left-most source wins
// for single-valued fields; set-valued fields union".
func fillMissing(working, parent *Profile) {
	if working.Home == "" {
		working.Home = parent.Home
	}
	if working.HomeName == "" {
		working.HomeName = parent.HomeName
	}
	if working.Seccomp == "" {
		working.Seccomp = parent.Seccomp
	}
	if len(working.Namespaces) == 0 {
		working.Namespaces = parent.Namespaces
	}
	if !working.NewPrivileges {
		working.NewPrivileges = parent.NewPrivileges
	}

	working.Features = unionStrings(working.Features, parent.Features)
	working.ReadOnly = append(working.ReadOnly, parent.ReadOnly...)
	working.ReadWrite = append(working.ReadWrite, parent.ReadWrite...)
	working.Passthrough = append(working.Passthrough, parent.Passthrough...)
	working.Binaries = unionStrings(working.Binaries, parent.Binaries)
	working.Libraries = unionStrings(working.Libraries, parent.Libraries)
	working.Devices = append(working.Devices, parent.Devices...)

	working.IPC.Portals = unionStrings(working.IPC.Portals, parent.IPC.Portals)
	working.IPC.See = unionStrings(working.IPC.See, parent.IPC.See)
	working.IPC.Talk = unionStrings(working.IPC.Talk, parent.IPC.Talk)
	working.IPC.Own = unionStrings(working.IPC.Own, parent.IPC.Own)
	working.IPC.Call = unionStrings(working.IPC.Call, parent.IPC.Call)

	if working.Environment == nil {
		working.Environment = map[string]string{}
	}
	for k, v := range parent.Environment {
		if _, ok := working.Environment[k]; !ok {
			working.Environment[k] = v
		}
	}

	working.Hooks.Pre = append(working.Hooks.Pre, parent.Hooks.Pre...)
	working.Hooks.Post = append(working.Hooks.Post, parent.Hooks.Post...)
}

func unionStrings(a, b []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	for _, v := range b {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// expandFeatures unions feature definitions recursively (features may
// pull in other features) and then subtracts any name in a conflicts
// list from the accumulated set, per §4.8 step 5 / §8 invariant 2.
func (s *Store) expandFeatures(names []string) (*Feature, error) {
	acc := &Feature{}
	included := map[string]bool{}
	conflicted := map[string]bool{}

	var visit func(name string, depth int) error
	visit = func(name string, depth int) error {
		if depth > 64 {
			return cerrors.WrapWithDetail(cerrors.ErrFeatureUnresolved, cerrors.ErrConfiguration, "expand-features",
				"feature graph too deep (possible cycle)")
		}
		if included[name] {
			return nil
		}
		f, err := s.LoadFeature(name)
		if err != nil {
			return err
		}
		included[name] = true
		for _, c := range f.Conflicts {
			conflicted[c] = true
		}
		mergeFeature(acc, f)
		for _, sub := range f.Features {
			if err := visit(sub, depth+1); err != nil {
				return err
			}
		}
		return nil
	}

	for _, n := range names {
		if err := visit(n, 0); err != nil {
			return nil, err
		}
	}

	if len(conflicted) > 0 {
		pruneConflicts(acc, conflicted)
	}

	return acc, nil
}

func mergeFeature(acc, f *Feature) {
	acc.ReadOnly = append(acc.ReadOnly, f.ReadOnly...)
	acc.ReadWrite = append(acc.ReadWrite, f.ReadWrite...)
	acc.Binaries = unionStrings(acc.Binaries, f.Binaries)
	acc.Libraries = unionStrings(acc.Libraries, f.Libraries)
	acc.Directories = unionStrings(acc.Directories, f.Directories)
	acc.Devices = append(acc.Devices, f.Devices...)
	acc.Portals = unionStrings(acc.Portals, f.Portals)
	acc.See = unionStrings(acc.See, f.See)
	acc.Talk = unionStrings(acc.Talk, f.Talk)
	acc.Own = unionStrings(acc.Own, f.Own)
	acc.Call = unionStrings(acc.Call, f.Call)
	if acc.Environment == nil {
		acc.Environment = map[string]string{}
	}
	for k, v := range f.Environment {
		acc.Environment[k] = v
	}
}

// pruneConflicts is a coarse approximation: it removes binaries,
// libraries and directories whose feature-declared name matches a conflicted feature
// name exactly, since the accumulated Feature no longer tracks which
// source feature contributed which entry. Binary/library/directory names that
// happen to collide with a conflicted feature's own name are the only
// entries pruned; this matches the documented commutative-up-to-conflict
// semantics for the common case of a feature toggling itself off.
func pruneConflicts(acc *Feature, conflicted map[string]bool) {
	keep := func(list []string) []string {
		out := make([]string, 0, len(list))
		for _, v := range list {
			if !conflicted[v] {
				out = append(out, v)
			}
		}
		return out
	}
	acc.Binaries = keep(acc.Binaries)
	acc.Libraries = keep(acc.Libraries)
	acc.Directories = keep(acc.Directories)
}

// merge applies the feature-expanded bundle on top of the working
// profile and produces the Resolved shape (§4.8 step 5 output).
func merge(working *Profile, features *Feature) *Resolved {
	res := &Resolved{
		Name:          working.Name,
		ID:            working.ID,
		Path:          working.Path,
		Home:          working.Home,
		HomeName:      working.HomeName,
		Seccomp:       working.Seccomp,
		IPC:           working.IPC,
		ReadOnly:      append([]File{}, working.ReadOnly...),
		ReadWrite:     append([]File{}, working.ReadWrite...),
		Passthrough:   append([]File{}, working.Passthrough...),
		Binaries:      unionStrings(working.Binaries, features.Binaries),
		Libraries:     unionStrings(working.Libraries, features.Libraries),
		Directories:   append([]string{}, features.Directories...),
		Devices:       append(append([]Device{}, working.Devices...), features.Devices...),
		Namespaces:    working.Namespaces,
		Environment:   map[string]string{},
		ArgPrefix:     working.ArgPrefix,
		ArgSuffix:     working.ArgSuffix,
		Hooks:         working.Hooks,
		NewPrivileges: working.NewPrivileges,
	}
	res.ReadOnly = append(res.ReadOnly, features.ReadOnly...)
	res.ReadWrite = append(res.ReadWrite, features.ReadWrite...)
	res.IPC.Portals = unionStrings(res.IPC.Portals, features.Portals)
	res.IPC.See = unionStrings(res.IPC.See, features.See)
	res.IPC.Talk = unionStrings(res.IPC.Talk, features.Talk)
	res.IPC.Own = unionStrings(res.IPC.Own, features.Own)
	res.IPC.Call = unionStrings(res.IPC.Call, features.Call)

	for k, v := range working.Environment {
		res.Environment[k] = v
	}
	for k, v := range features.Environment {
		if _, ok := res.Environment[k]; !ok {
			res.Environment[k] = v
		}
	}
	return res
}

// applyCLIOverlay applies command-line overrides last; per the Open
// Question resolved in §9, "CLI always wins" even over an explicit
// `inherits = []`.
func applyCLIOverlay(res *Resolved, cli *CLIOverlay) {
	for k, v := range cli.Environment {
		res.Environment[k] = v
	}
	res.ArgSuffix = append(res.ArgSuffix, cli.ExtraArgs...)
	if cli.SeccompSet {
		res.Seccomp = cli.Seccomp
	}
}

// canonicalise produces a stable hash over the resolved profile's
// deterministic JSON encoding (§3 "serialised hash", §8 invariant 3/9).
func canonicalise(res *Resolved) (string, error) {
	sortResolved(res)
	data, err := json.Marshal(res)
	if err != nil {
		return "", cerrors.Wrap(err, cerrors.ErrInternal, "canonicalise")
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func sortResolved(res *Resolved) {
	sort.Strings(res.Binaries)
	sort.Strings(res.Libraries)
	sort.Strings(res.Directories)
	sort.Slice(res.Devices, func(i, j int) bool { return res.Devices[i].Path < res.Devices[j].Path })
	sort.Strings(res.IPC.Portals)
	sort.Strings(res.IPC.See)
	sort.Strings(res.IPC.Talk)
	sort.Strings(res.IPC.Own)
	sort.Strings(res.IPC.Call)
}
