// Package resolver implements CTI's path/library resolver: given a name and
// a search-path hint, return the canonical absolute path of a regular file.
package resolver

import (
	"bufio"
	"debug/elf"
	"os"
	"path/filepath"
	"strings"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/shared/subprocess"
)

// defaultLibDirs is the fixed fallback search path for libraries, applied
// after $LD_LIBRARY_PATH and ldconfig's cache.
var defaultLibDirs = []string{"/lib64", "/usr/lib64", "/lib", "/usr/lib"}

// Binary resolves a binary name against PATH (or pathVar if non-empty), or
// stats it directly if name begins with "." or "/".
func Binary(name, pathVar string) (string, error) {
	if name == "" {
		return "", ctierrors.New(ctierrors.NotFound, "empty binary name")
	}

	if strings.HasPrefix(name, ".") || strings.HasPrefix(name, "/") {
		return regularFile(name)
	}

	search := pathVar
	if search == "" {
		search = os.Getenv("PATH")
	}

	for _, dir := range filepath.SplitList(search) {
		if dir == "" {
			continue
		}

		candidate := filepath.Join(dir, name)
		if path, err := regularFile(candidate); err == nil {
			return path, nil
		}
	}

	return "", ctierrors.New(ctierrors.NotFound, "binary not found on PATH: "+name)
}

// Library resolves a shared-object name against LD_LIBRARY_PATH, then the
// ldconfig cache, then a fixed set of extra directories.
func Library(name string) (string, error) {
	if name == "" {
		return "", ctierrors.New(ctierrors.NotFound, "empty library name")
	}

	if strings.HasPrefix(name, "/") {
		return regularFile(name)
	}

	for _, dir := range filepath.SplitList(os.Getenv("LD_LIBRARY_PATH")) {
		if dir == "" {
			continue
		}

		if path, err := regularFile(filepath.Join(dir, name)); err == nil {
			return path, nil
		}
	}

	if path, err := searchLdconfig(name); err == nil {
		return path, nil
	}

	for _, dir := range defaultLibDirs {
		if path, err := regularFile(filepath.Join(dir, name)); err == nil {
			return path, nil
		}
	}

	return "", ctierrors.New(ctierrors.NotFound, "library not found: "+name)
}

// File resolves a plain file via the same rules as Binary (absolute/relative
// names stat directly, bare names search PATH).
func File(name, pathVar string) (string, error) {
	return Binary(name, pathVar)
}

// regularFile canonicalizes path (following symlinks) and requires the result
// to be a regular file.
func regularFile(path string) (string, error) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", ctierrors.Wrap(ctierrors.NotFound, "cannot resolve "+path, err)
	}

	info, err := os.Stat(real)
	if err != nil {
		return "", ctierrors.Wrap(ctierrors.NotFound, "cannot stat "+real, err)
	}

	if !info.Mode().IsRegular() {
		return "", ctierrors.New(ctierrors.NotRegularFile, real+" is not a regular file")
	}

	return real, nil
}

// Closure walks the ELF DT_NEEDED dependency graph of path, resolving each
// needed entry via Library, and returns the transitive set of resolved
// library paths (path itself excluded, each entry returned at most once).
// ignore, when non-nil, is consulted with the bare soname (e.g.
// "libc.so.6") and skips resolving/recursing into it — the dynamic loader's
// own libraries are never staged (addBinary/addLibrary, spec.md §4.5).
func Closure(path string, ignore func(soname string) bool) ([]string, error) {
	seen := map[string]bool{}
	var out []string

	var walk func(p string) error
	walk = func(p string) error {
		f, err := elf.Open(p)
		if err != nil {
			return ctierrors.Wrap(ctierrors.NotFound, "cannot open "+p+" for dependency walk", err)
		}
		defer f.Close()

		needed, err := f.DynString(elf.DT_NEEDED)
		if err != nil {
			// Statically linked binaries have no dynamic section to read.
			return nil
		}

		for _, soname := range needed {
			if ignore != nil && ignore(soname) {
				continue
			}

			if seen[soname] {
				continue
			}
			seen[soname] = true

			resolved, err := Library(soname)
			if err != nil {
				return err
			}

			out = append(out, resolved)

			if err := walk(resolved); err != nil {
				return err
			}
		}

		return nil
	}

	if err := walk(path); err != nil {
		return nil, err
	}

	return out, nil
}

// ldconfigRunner is overridable in tests.
var ldconfigRunner = func() ([]byte, error) {
	out, err := subprocess.RunCommand("ldconfig", "-p")
	return []byte(out), err
}

func searchLdconfig(name string) (string, error) {
	out, err := ldconfigRunner()
	if err != nil {
		return "", ctierrors.Wrap(ctierrors.NotFound, "ldconfig -p failed", err)
	}

	return parseLdconfig(out, name)
}

// parseLdconfig scans `ldconfig -p` output of the form:
//
//	libfoo.so.1 (libc6,x86-64) => /lib/x86_64-linux-gnu/libfoo.so.1
//
// for a line whose basename matches name, and returns the first that
// canonicalizes to a regular file.
func parseLdconfig(out []byte, name string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(string(out)))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		idx := strings.LastIndex(line, "=> ")
		if idx < 0 {
			continue
		}

		path := strings.TrimSpace(line[idx+3:])
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != name {
			continue
		}

		if resolved, err := regularFile(path); err == nil {
			return resolved, nil
		}
	}

	return "", ctierrors.New(ctierrors.NotFound, "not present in ldconfig cache: "+name)
}
