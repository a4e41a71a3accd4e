package session

import (
	"context"
	"fmt"
	"path"
	"sync/atomic"

	"k8s.io/utils/set"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
	"github.com/common-tools-interface/cti-sub002/internal/cti/transfer"
	"github.com/common-tools-interface/cti-sub002/shared/revert"
)

// AppContext is the narrow view of the owning App a Session needs. App
// satisfies it by structural typing; this package does not import app, to
// keep the dependency graph one-directional (frontend imports both).
type AppContext interface {
	JobID() string
	ToolPath() string
	Suffix() string
	BEDaemonName(base string) string
	CfgDir() string
	Debug() bool
	WLMType() int
	DaemonLauncherPath() string
	AttribsPath() string
	ExtraBinaries() []string
	ExtraLibraries() []string
	ExtraLibDirs() []string
	ExtraFiles() []string

	CheckFilesExist(ctx context.Context, sourcePaths []string) (map[string]bool, error)
	ShipPackage(ctx context.Context, archivePath string) error
	StartDaemon(ctx context.Context, argv []string, synchronous bool) error
}

// Session is a cross-ship stateful context tying Manifests to one remote
// stage directory on every node of an App (spec.md §3 "Session").
type Session struct {
	app       AppContext
	stageName string // cti_daemon<6char>
	dedup     bool

	nextInstance int32
	shipSeq      int32

	folders map[string]set.Set[string]
	sources map[folderKey]string

	extraLibDirs     string
	requirementsAdded bool

	manifests map[int]*Manifest
	highestShippedSeq int
}

// New creates a Session for app, staging at <App.toolPath>/cti_daemon<suffix>.
func New(app AppContext, dedup bool) *Session {
	return &Session{
		app:       app,
		stageName: fmt.Sprintf("cti_daemon%s", app.Suffix()),
		dedup:     dedup,
		folders:   map[string]set.Set[string]{},
		sources:   map[folderKey]string{},
		manifests: map[int]*Manifest{},
	}
}

// StageName returns the per-Session remote stage directory basename.
func (s *Session) StageName() string { return s.stageName }

// CreateManifest returns an empty Manifest pre-seeded with the ignored
// library set (spec.md §4.5 "createManifest").
func (s *Session) CreateManifest() *Manifest {
	instance := int(atomic.AddInt32(&s.nextInstance, 1))
	m := newManifest(s, instance)
	s.manifests[instance] = m
	return m
}

// mergeWLMRequirements merges the App's WLM-declared extra binaries/
// libs/libdirs/files into m, once per Session (spec.md §4.5 ship step 1).
func (s *Session) mergeWLMRequirements(m *Manifest) error {
	if s.requirementsAdded {
		return nil
	}

	for _, p := range s.app.ExtraBinaries() {
		if err := m.AddFile("bin", path.Base(p), p); err != nil {
			return err
		}
	}

	for _, p := range s.app.ExtraLibraries() {
		if err := m.AddFile("lib", path.Base(p), p); err != nil {
			return err
		}
	}

	for _, p := range s.app.ExtraFiles() {
		if err := m.AddFile("", path.Base(p), p); err != nil {
			return err
		}
	}

	for _, d := range s.app.ExtraLibDirs() {
		if err := m.AddLibDir(d); err != nil {
			return err
		}
	}

	s.requirementsAdded = true
	return nil
}

// mergeTransferred implements spec.md §4.5 ship step 3: for each entry in m,
// check the Session's already-shipped set. A key mapping to the same
// canonical source is a no-op skip; a different canonical source is a fatal
// Conflict; a new key is inserted into the Session's shipped set. Every
// insertion is also registered with rev so a later ship-step failure can
// unwind the Session's live-set back to its pre-call state.
func (s *Session) mergeTransferred(m *Manifest, rev *revert.Reverter) (skip set.Set[folderKey], err error) {
	skip = set.New[folderKey]()

	for _, key := range m.entries() {
		newSrc := m.sources[key]

		if existingSrc, ok := s.sources[key]; ok {
			if canonicalize(existingSrc) == canonicalize(newSrc) {
				skip.Insert(key)
				continue
			}

			return nil, ctierrors.New(ctierrors.Conflict,
				fmt.Sprintf("session already shipped %s/%s from a different source",
					key.folder, key.basename))
		}

		s.sources[key] = newSrc
		s.ensureFolder(key.folder).Insert(key.basename)

		key := key
		rev.Add(func() {
			delete(s.sources, key)
			s.folders[key.folder].Delete(key.basename)
		})
	}

	return skip, nil
}

func (s *Session) ensureFolder(folder string) set.Set[string] {
	f, ok := s.folders[folder]
	if !ok {
		f = set.New[string]()
		s.folders[folder] = f
	}

	return f
}

// SendManifest archives, ships, and invalidates m — spec.md §4.5 "sendManifest".
func (s *Session) SendManifest(ctx context.Context, m *Manifest) error {
	_, err := s.shipManifest(ctx, m, "", false)
	return err
}

// ExecManifest ships m — whose binary/library dependency closure, if any,
// should already have been staged via Manifest.AddBinary/AddLibrary with
// wlm.DepsStage (spec.md §4.5) — then asks the App to start the daemon.
// Start is asynchronous unless this is the Session's first ship (spec.md
// §4.5 "execManifest", §4.6 "Synchronous start is used ... for the first
// ship of a session").
func (s *Session) ExecManifest(ctx context.Context, m *Manifest, daemonBase string, daemonArgv []string, envAssigns []string) error {
	firstShip := s.shipSeq == 0

	archiveName, err := s.shipManifest(ctx, m, daemonBase, true)
	if err != nil {
		return err
	}

	wlmType := s.app.WLMType()

	argv := transfer.BuildArgv(s.app.DaemonLauncherPath(), transfer.DaemonLaunchArgs{
		JobID:        s.app.JobID(),
		AttribsPath:  s.app.AttribsPath(),
		ExtraLibPath: s.extraLibDirs,
		WLMType:      wlmType,
		ArchiveName:  archiveName,
		DaemonBase:   daemonBase,
		StageName:    s.stageName,
		Instance:     m.instance,
		Debug:        s.app.Debug(),
		EnvAssigns:   envAssigns,
		DaemonArgv:   daemonArgv,
	})

	return s.app.StartDaemon(ctx, argv, firstShip)
}

// shipManifest runs the full ship algorithm of spec.md §4.5/§4.6 and returns
// the archive basename for reuse by execManifest's startDaemon call.
func (s *Session) shipManifest(ctx context.Context, m *Manifest, daemonBase string, forExec bool) (archiveBase string, err error) {
	if !m.valid {
		return "", ctierrors.New(ctierrors.AlreadyShipped, "manifest has already been shipped")
	}

	if err := s.mergeWLMRequirements(m); err != nil {
		return "", err
	}

	delete(s.manifests, m.instance)

	rev := revert.New()
	defer func() {
		if err != nil {
			rev.Fail()
		}
	}()

	skip, err := s.mergeTransferred(m, rev)
	if err != nil {
		return "", err
	}

	var files []transfer.FileEntry
	var sourcePaths []string

	for key, src := range m.sources {
		if src == "" || skip.Has(key) {
			continue
		}

		files = append(files, transfer.FileEntry{Folder: key.folder, Basename: key.basename, SourcePath: src})
		sourcePaths = append(sourcePaths, src)
	}

	var links []transfer.SymlinkEntry
	if s.dedup && len(sourcePaths) > 0 {
		existing, err := s.app.CheckFilesExist(ctx, sourcePaths)
		if err != nil {
			return "", err
		}

		remaining := files[:0]
		for _, fe := range files {
			if existing[fe.SourcePath] {
				links = append(links, transfer.SymlinkEntry{Folder: fe.Folder, Basename: fe.Basename, Target: fe.SourcePath})
				continue
			}

			remaining = append(remaining, fe)
		}

		files = remaining
	}

	if s.extraLibDirs == "" {
		s.extraLibDirs = m.extraLibDir
	} else if m.extraLibDir != "" {
		s.extraLibDirs = s.extraLibDirs + ":" + m.extraLibDir
	}

	archive, err := transfer.New(s.app.CfgDir(), s.stageName, m.instance)
	if err != nil {
		return "", err
	}
	defer archive.Cleanup()

	cache := transfer.CacheFromEnv()
	cacheKey := ""
	cacheHit := false

	if cache != nil {
		cacheKey = transfer.Key(s.stageName, files, links)

		cacheHit, err = cache.Fetch(ctx, cacheKey, archive.Path())
		if err != nil {
			return "", err
		}
	}

	if cacheHit {
		if err := archive.Close(); err != nil {
			return "", err
		}
	} else {
		if err := archive.Build(s.stageName, files, links); err != nil {
			return "", err
		}

		if err := archive.Finalize(); err != nil {
			return "", err
		}

		if cache != nil {
			cache.Store(ctx, cacheKey, archive.Path())
		}
	}

	archiveBase = path.Base(archive.Path())

	if err := s.app.ShipPackage(ctx, archive.Path()); err != nil {
		return "", ctierrors.Wrap(ctierrors.ShipFailed, "ship failed for "+archiveBase, err)
	}

	archive.Keep()

	m.invalidate()
	newSeq := int(atomic.AddInt32(&s.shipSeq, 1))
	if newSeq > s.highestShippedSeq {
		s.highestShippedSeq = newSeq
	}

	logger.Info("manifest shipped", logger.Ctx{
		"stage": s.stageName, "instance": m.instance, "seq": newSeq, "for_exec": forExec,
	})

	return archiveBase, nil
}

// Finalize runs cleanup if any manifest was ever shipped (spec.md §4.8).
func (s *Session) Finalize(ctx context.Context) error {
	if s.shipSeq == 0 {
		return nil
	}

	argv := transfer.BuildArgv(s.app.DaemonLauncherPath(), transfer.DaemonLaunchArgs{
		JobID:         s.app.JobID(),
		WLMType:       s.app.WLMType(),
		StageName:     s.stageName,
		Clean:         true,
		CleanInstance: s.highestShippedSeq,
	})

	if err := s.app.StartDaemon(ctx, argv, true); err != nil {
		return ctierrors.Wrap(ctierrors.ShipFailed, "cleanup daemon failed", err)
	}

	return nil
}

// FileDir returns the frontend-local config directory files are staged
// from/to for this Session (spec.md §5 scenario 5 "getSessionFileDir").
func (s *Session) FileDir() string {
	return path.Join(s.app.CfgDir(), s.stageName)
}
