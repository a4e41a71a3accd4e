// Package transfer builds the tar archive shipped to compute nodes for one
// manifest (spec.md §4.6) and constructs the daemon-launcher argv the
// Session/App layer hands to the WLM's startDaemon primitive (spec.md §4.7).
package transfer

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

// copyBufSize is the fixed block-copy buffer spec.md §4.6 specifies.
const copyBufSize = 64 * 1024

// wellKnownFolders are the always-present subdirectories of a stage, created
// even for an otherwise-empty manifest.
var wellKnownFolders = []string{"bin", "lib", "tmp"}

// FileEntry describes one regular file to stage: Folder is "bin", "lib", or
// "" for top-level; SourcePath is the real file on the frontend host.
type FileEntry struct {
	Folder     string
	Basename   string
	SourcePath string
}

// SymlinkEntry stages a file already known to exist on the backend node as
// a symlink instead of copying its content (the CTI_DEDUPLICATE_FILES path,
// spec.md §4.5 ship step 5).
type SymlinkEntry struct {
	Folder   string
	Basename string
	Target   string // absolute source path on the backend node
}

// Archive is a transient, one-per-ship tar writer (spec.md §3 "Archive").
// The file on disk is removed by Cleanup unless Keep has been called, mirroring
// the original's "destructor removes the tar unless it was shipped" lifecycle.
type Archive struct {
	path    string
	f       *os.File
	tw      *tar.Writer
	kept    bool
	buf     []byte
}

// New creates an empty archive at <cfgDir>/<stageName><instance>.tar.
func New(cfgDir, stageName string, instance int) (*Archive, error) {
	p := path.Join(cfgDir, fmt.Sprintf("%s%d.tar", stageName, instance))

	f, err := os.Create(p)
	if err != nil {
		return nil, ctierrors.Wrap(ctierrors.Fatal, "cannot create archive "+p, err)
	}

	return &Archive{
		path: p,
		f:    f,
		tw:   tar.NewWriter(f),
		buf:  make([]byte, copyBufSize),
	}, nil
}

// Path returns the on-disk tar path.
func (a *Archive) Path() string { return a.path }

// Build writes the stage root, the three well-known subdirectories, every
// file entry's body, and every symlink entry, per spec.md §4.6.
func (a *Archive) Build(stageName string, files []FileEntry, links []SymlinkEntry) error {
	now := time.Now()

	if err := a.writeDir(stageName+"/", now); err != nil {
		return err
	}

	for _, folder := range wellKnownFolders {
		if err := a.writeDir(path.Join(stageName, folder)+"/", now); err != nil {
			return err
		}
	}

	for _, fe := range files {
		if err := a.writeFile(stageName, fe, now); err != nil {
			return err
		}
	}

	for _, le := range links {
		if err := a.writeSymlink(stageName, le, now); err != nil {
			return err
		}
	}

	return nil
}

func (a *Archive) writeDir(name string, modTime time.Time) error {
	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeDir,
		Mode:     0700,
		ModTime:  modTime,
	}

	return a.tw.WriteHeader(hdr)
}

func (a *Archive) writeFile(stageName string, fe FileEntry, modTime time.Time) error {
	info, err := os.Stat(fe.SourcePath)
	if err != nil {
		return ctierrors.Wrap(ctierrors.NotFound, "cannot stat "+fe.SourcePath, err)
	}

	if !info.Mode().IsRegular() {
		return ctierrors.New(ctierrors.NotRegularFile, fe.SourcePath+" is not a regular file")
	}

	src, err := os.Open(fe.SourcePath)
	if err != nil {
		return ctierrors.Wrap(ctierrors.NotFound, "cannot open "+fe.SourcePath, err)
	}
	defer src.Close()

	name := entryName(stageName, fe.Folder, fe.Basename)

	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  modTime,
	}

	if err := a.tw.WriteHeader(hdr); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "archive header failed for "+name, err)
	}

	if _, err := io.CopyBuffer(a.tw, src, a.buf); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "archive body copy failed for "+name, err)
	}

	return nil
}

func (a *Archive) writeSymlink(stageName string, le SymlinkEntry, modTime time.Time) error {
	name := entryName(stageName, le.Folder, le.Basename)

	hdr := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeSymlink,
		Linkname: le.Target,
		Mode:     0777,
		ModTime:  modTime,
	}

	if err := a.tw.WriteHeader(hdr); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "archive symlink header failed for "+name, err)
	}

	return nil
}

func entryName(stageName, folder, basename string) string {
	if folder == "" {
		return path.Join(stageName, basename)
	}

	return path.Join(stageName, folder, basename)
}

// Keep marks the archive as consumed (shipped); Cleanup will not remove it.
func (a *Archive) Keep() { a.kept = true }

// Close closes the underlying file without writing a tar trailer, for the
// case where the archive's content was written by another means (a cache
// fetch, not Build) and the tar writer was never used.
func (a *Archive) Close() error {
	if err := a.f.Close(); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "archive close failed", err)
	}

	return nil
}

// Finalize flushes the tar stream and closes the underlying file, leaving
// the archive readable on disk for shipping. Callers must call Cleanup
// afterward to apply the Archive's Keep-or-remove lifecycle.
func (a *Archive) Finalize() error {
	if err := a.tw.Close(); err != nil {
		_ = a.f.Close()
		return ctierrors.Wrap(ctierrors.Fatal, "archive finalize failed", err)
	}

	// Zero-pad the stream after archive/tar's trailer to a whole 10 KiB record.
	const recordSize = 10 * 1024
	if off, err := a.f.Seek(0, io.SeekCurrent); err == nil && off%recordSize != 0 {
		if _, err := a.f.Write(make([]byte, recordSize-off%recordSize)); err != nil {
			_ = a.f.Close()
			return ctierrors.Wrap(ctierrors.Fatal, "archive record padding failed", err)
		}
	}

	if err := a.f.Close(); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "archive close failed", err)
	}

	return nil
}

// Cleanup removes the archive from disk unless Keep was called — the
// "destructor removes the tar unless it has been explicitly consumed by
// shipping" lifecycle of spec.md §3 "Archive".
func (a *Archive) Cleanup() {
	if a.kept {
		return
	}

	if err := os.Remove(a.path); err != nil && !os.IsNotExist(err) {
		logger.Warn("failed to remove unshipped archive", logger.Ctx{"path": a.path, "err": err})
	}
}
