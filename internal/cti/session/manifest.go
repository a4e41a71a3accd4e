// Package session implements the Session/Manifest core of spec.md §4.5: the
// per-App-context file staging state, dedup across ships, and the ship
// algorithm that hands a built archive to the owning App for transfer.
package session

import (
	"path"

	"k8s.io/utils/set"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/resolver"
	"github.com/common-tools-interface/cti-sub002/internal/cti/wlm"
)

// ignoredLibraries is the standard set of host libraries pre-populated as
// "already shipped" so dependency walking never stages them (spec.md §3
// Manifest invariant).
var ignoredLibraries = set.New(
	"libc.so", "libc.so.6",
	"libdl.so", "libdl.so.2",
	"libpthread.so", "libpthread.so.0",
	"libm.so", "libm.so.6",
	"libz.so", "libz.so.1",
	"librt.so", "librt.so.1",
	"ld-linux-x86-64.so.2",
)

// folderKey is the (folder, basename) unique insertion key of spec.md §4.5
// ship step 3 ("Conflict rules").
type folderKey struct {
	folder   string
	basename string
}

// Manifest is an in-progress, unshipped file list owned by one Session
// (spec.md §3 "Manifest").
type Manifest struct {
	session  *Session
	instance int

	folders map[string]set.Set[string]
	sources map[folderKey]string

	extraLibDir string
	valid       bool
}

func newManifest(s *Session, instance int) *Manifest {
	m := &Manifest{
		session:  s,
		instance: instance,
		folders:  map[string]set.Set[string]{},
		sources:  map[folderKey]string{},
		valid:    true,
	}

	for lib := range ignoredLibraries {
		m.markIgnored(lib)
	}

	return m
}

// markIgnored records a library basename as already present without a
// source path, so AddFile silently no-ops on it.
func (m *Manifest) markIgnored(basename string) {
	key := folderKey{folder: "lib", basename: basename}
	m.sources[key] = "" // empty source marks "ignored", never staged
	m.ensureFolder("lib").Insert(basename)
}

func (m *Manifest) ensureFolder(folder string) set.Set[string] {
	s, ok := m.folders[folder]
	if !ok {
		s = set.New[string]()
		m.folders[folder] = s
	}

	return s
}

// Instance returns the Manifest's per-Session sequence position.
func (m *Manifest) Instance() int { return m.instance }

// IsValid reports whether the Manifest can still be mutated.
func (m *Manifest) IsValid() bool { return m.valid }

// AddFile stages a top-level file at sourcePath under basename. folder is
// "", "bin", or "lib".
func (m *Manifest) AddFile(folder, basename, sourcePath string) error {
	if !m.valid {
		return ctierrors.New(ctierrors.AlreadyShipped, "manifest has already been shipped")
	}

	key := folderKey{folder: folder, basename: basename}

	if existing, ok := m.sources[key]; ok {
		if existing == "" {
			// Ignored library basename: it is never staged.
			return nil
		} else if canonicalize(existing) != canonicalize(sourcePath) {
			return ctierrors.New(ctierrors.Conflict,
				"manifest already has "+path.Join(folder, basename)+" from a different source")
		} else {
			return nil
		}
	}

	m.sources[key] = sourcePath
	m.ensureFolder(folder).Insert(basename)
	return nil
}

// AddBinary resolves name as an executable on PATH (spec.md §4.5
// "addBinary") and stages it under bin/; with policy wlm.DepsStage, it also
// walks and stages its shared-library dependency closure.
func (m *Manifest) AddBinary(name string, policy wlm.DepsPolicy) error {
	resolved, err := resolver.Binary(name, "")
	if err != nil {
		return err
	}

	if err := m.AddFile("bin", path.Base(resolved), resolved); err != nil {
		return err
	}

	if policy == wlm.DepsStage {
		return m.addClosure(resolved)
	}

	return nil
}

// AddLibrary resolves name as a shared object (spec.md §4.5 "addLibrary")
// and stages it under lib/; with policy wlm.DepsStage, it also stages its
// own transitive dependency closure.
func (m *Manifest) AddLibrary(name string, policy wlm.DepsPolicy) error {
	resolved, err := resolver.Library(name)
	if err != nil {
		return err
	}

	if err := m.AddFile("lib", path.Base(resolved), resolved); err != nil {
		return err
	}

	if policy == wlm.DepsStage {
		return m.addClosure(resolved)
	}

	return nil
}

// addClosure walks binPath's shared-object dependencies and stages every one
// not already covered by ignoredLibraries.
func (m *Manifest) addClosure(binPath string) error {
	deps, err := resolver.Closure(binPath, isIgnoredLibrary)
	if err != nil {
		return err
	}

	for _, dep := range deps {
		if err := m.AddFile("lib", path.Base(dep), dep); err != nil {
			return err
		}
	}

	return nil
}

// isIgnoredLibrary reports whether soname is one of the dynamic loader's own
// libraries, pre-populated into every Manifest (spec.md §3 Manifest
// invariant) and therefore never walked or staged.
func isIgnoredLibrary(soname string) bool {
	return ignoredLibraries.Has(soname)
}

// AddLibDir records an additional remote library directory the archive's
// tool daemon should see on LD_LIBRARY_PATH.
func (m *Manifest) AddLibDir(dir string) error {
	if !m.valid {
		return ctierrors.New(ctierrors.AlreadyShipped, "manifest has already been shipped")
	}

	if m.extraLibDir != "" && m.extraLibDir != dir {
		m.extraLibDir = m.extraLibDir + ":" + dir
	} else {
		m.extraLibDir = dir
	}

	return nil
}

// invalidate marks the Manifest shipped; all further mutations fail.
func (m *Manifest) invalidate() { m.valid = false }

// entries returns every real (non-ignored) staged file as a flat list.
func (m *Manifest) entries() []folderKey {
	out := make([]folderKey, 0, len(m.sources))
	for k, src := range m.sources {
		if src == "" {
			continue // ignored-library placeholder, never a real entry
		}

		out = append(out, k)
	}

	return out
}

// canonicalize resolves symlinks and cleans a path for conflict comparison;
// on a lookup failure it falls back to the cleaned input, so a not-yet
// materialized source still participates in identity comparisons.
func canonicalize(p string) string {
	if resolved, err := evalSymlinks(p); err == nil {
		return resolved
	}

	return path.Clean(p)
}
