// Package daemonlauncher implements the on-compute-node side of spec.md
// §4.7: a single binary run once per startDaemon call that unpacks a
// manifest tarball, waits for prior instances via lock files, rewrites the
// exec environment, and execs the tool daemon.
package daemonlauncher

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"regexp"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/xattr"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

// Args is the parsed argv of spec.md §4.7 step 1.
type Args struct {
	JobID        string
	DaemonBase   string
	StageDirName string
	EnvAssigns   []string
	Instance     int
	ArchiveName  string // empty for stage-only
	AttribsPath  string
	WLMType      int
	Debug        bool
	Clean        bool
	CleanSeq     int
	DaemonArgv   []string
}

// apidRegexes extract the APID/stage path from the launcher's own exe path,
// matching the original's two well-known layouts (spec.md §4.7 step 3).
var apidRegexes = []*regexp.Regexp{
	regexp.MustCompile(`/var/spool/alps/(\d+)/toolhelper\d+/`),
	regexp.MustCompile(`/var/opt/cray/alps/spool/(\d+)/toolhelper\d+/`),
}

// Run executes the full daemon-launcher contract and does not return on
// success (it execs the tool daemon); it returns only on failure, or after
// a stage-only/clean invocation exits 0.
func Run(logDir string) error {
	args, err := parseArgv(os.Args)
	if err != nil {
		return err
	}

	if err := openDevNullTriplet(); err != nil {
		return err
	}

	apid := extractAPID()
	_ = os.Setenv("CTI_APID", apid)

	if args.Debug {
		if err := redirectLogs(logDir, apid); err != nil {
			return err
		}
	}

	toolDir := path.Join("/var/spool/alps", apid, "tooldir") // per-WLM stage root; SSH/Slurm pass an absolute stage dir instead.
	if abs := os.Getenv("CTI_STAGE_ROOT"); abs != "" {
		toolDir = abs
	}

	stagePath := path.Join(toolDir, args.StageDirName)

	if err := os.MkdirAll(stagePath, 0700); err != nil {
		return ctierrors.Wrap(ctierrors.PermissionDenied, "cannot create stage dir "+stagePath, err)
	}

	if err := os.Chdir(stagePath); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot chdir into stage dir", err)
	}

	if err := os.Chmod(stagePath, os.FileMode(0700)|0700); err != nil {
		logger.Warn("failed to relax stage dir mode", logger.Ctx{"path": stagePath, "err": err})
	}

	if args.Clean {
		return runClean(toolDir, args)
	}

	if args.ArchiveName != "" {
		if err := unpackArchive(path.Join(stagePath, args.ArchiveName), stagePath); err != nil {
			return err
		}

		if err := os.Remove(path.Join(stagePath, args.ArchiveName)); err != nil {
			logger.Warn("failed to remove consumed tarball", logger.Ctx{"path": args.ArchiveName, "err": err})
		}
	}

	lockPath := path.Join(toolDir, fmt.Sprintf(".lock_%s_%d", args.StageDirName, args.Instance))
	if err := touchLock(lockPath); err != nil {
		return err
	}

	env := buildExecEnv(stagePath, args.EnvAssigns)

	if err := waitForPriorInstances(toolDir, args.StageDirName, args.Instance); err != nil {
		return err
	}

	if args.DaemonBase == "" {
		return nil
	}

	daemonPath := path.Join(stagePath, "bin", args.DaemonBase)

	argv := append([]string{daemonPath}, args.DaemonArgv...)

	return syscall.Exec(daemonPath, argv, env)
}

func parseArgv(argv []string) (Args, error) {
	var a Args
	a.WLMType = -1

	i := 1
	for i < len(argv) {
		switch argv[i] {
		case "-a":
			i++
			a.JobID = argv[i]
		case "-b":
			i++
			a.DaemonBase = argv[i]
		case "-d":
			i++
			a.StageDirName = argv[i]
		case "-e":
			i++
			a.EnvAssigns = append(a.EnvAssigns, argv[i])
		case "-i":
			i++
			n, err := strconv.Atoi(argv[i])
			if err != nil {
				return Args{}, ctierrors.New(ctierrors.Fatal, "invalid -i instance number")
			}
			a.Instance = n
		case "-m":
			i++
			a.ArchiveName = argv[i]
		case "-p":
			i++
			a.AttribsPath = argv[i]
		case "-w":
			i++
			n, err := strconv.Atoi(argv[i])
			if err != nil {
				return Args{}, ctierrors.New(ctierrors.Fatal, "invalid -w wlm type")
			}
			a.WLMType = n
		case "--debug":
			a.Debug = true
		case "--clean":
			i++
			n, err := strconv.Atoi(argv[i])
			if err != nil {
				return Args{}, ctierrors.New(ctierrors.Fatal, "invalid --clean instance number")
			}
			a.Clean = true
			a.CleanSeq = n
		case "--ld-lib-path":
			i++
			a.EnvAssigns = append(a.EnvAssigns, "CTI_EXTRA_LD_LIBRARY_PATH="+argv[i])
		case "--":
			a.DaemonArgv = argv[i+1:]
			i = len(argv)
			continue
		}

		i++
	}

	return a, nil
}

// openDevNullTriplet opens /dev/null three times so descriptors opened
// later by the tool daemon do not collide with 0/1/2 once the WLM closes
// them (spec.md §4.7 step 2).
func openDevNullTriplet() error {
	for i := 0; i < 3; i++ {
		// Raw descriptors that are never closed: an *os.File would be closed
		// by its finalizer, freeing the slot again.
		if _, err := syscall.Open(os.DevNull, syscall.O_RDWR, 0); err != nil {
			return ctierrors.Wrap(ctierrors.Fatal, "cannot open /dev/null placeholder", err)
		}
	}

	return nil
}

func extractAPID() string {
	exe, err := os.Readlink("/proc/self/exe")
	if err != nil {
		return ""
	}

	for _, re := range apidRegexes {
		if m := re.FindStringSubmatch(exe); m != nil {
			return m[1]
		}
	}

	return ""
}

func redirectLogs(logDir, apid string) error {
	if logDir == "" {
		logDir = os.TempDir()
	}

	logPath := path.Join(logDir, fmt.Sprintf("cti_daemon_launcher_%s_%d.log", apid, os.Getpid()))

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot open debug log "+logPath, err)
	}

	if err := syscall.Dup2(int(f.Fd()), int(os.Stdout.Fd())); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot redirect stdout", err)
	}

	if err := syscall.Dup2(int(f.Fd()), int(os.Stderr.Fd())); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot redirect stderr", err)
	}

	return nil
}

// unpackArchive extracts a ustar/gnutar archive into dir, restoring
// extended attributes via pkg/xattr (spec.md §4.7 step 6 "ACLs and file
// flags restored").
func unpackArchive(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot open manifest tarball "+archivePath, err)
	}
	defer f.Close()

	tr := tar.NewReader(f)

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ctierrors.Wrap(ctierrors.Fatal, "malformed manifest tarball", err)
		}

		target := path.Join(dir, hdr.Name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return ctierrors.Wrap(ctierrors.Fatal, "cannot create "+target, err)
			}

		case tar.TypeReg:
			if err := extractFile(tr, target, os.FileMode(hdr.Mode)); err != nil {
				return err
			}

			restoreXattrs(hdr, target)

		case tar.TypeSymlink:
			_ = os.Remove(target)
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return ctierrors.Wrap(ctierrors.Fatal, "cannot symlink "+target, err)
			}
		}
	}

	return nil
}

func extractFile(r io.Reader, target string, mode os.FileMode) error {
	if err := os.MkdirAll(path.Dir(target), 0700); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot create parent of "+target, err)
	}

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot create "+target, err)
	}
	defer out.Close()

	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(out, r, buf); err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot write "+target, err)
	}

	return nil
}

// restoreXattrs copies PAXRecords entries prefixed "SCHILY.xattr." (the
// ustar/pax convention for extended attributes) onto the extracted file.
// Failures are logged and swallowed: a missing xattr is not fatal to
// unpacking, matching the destructor-error-swallowing policy of spec.md §6.
func restoreXattrs(hdr *tar.Header, target string) {
	const prefix = "SCHILY.xattr."

	for k, v := range hdr.PAXRecords {
		if !strings.HasPrefix(k, prefix) {
			continue
		}

		name := strings.TrimPrefix(k, prefix)
		if err := xattr.Set(target, name, []byte(v)); err != nil {
			logger.Warn("failed to restore xattr", logger.Ctx{"path": target, "attr": name, "err": err})
		}
	}
}

// touchLock creates a zero-byte lock file announcing this instance's
// dependencies are in place (spec.md §4.7 step 7).
func touchLock(lockPath string) error {
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return ctierrors.Wrap(ctierrors.Fatal, "cannot create lock file "+lockPath, err)
	}

	return f.Close()
}

// waitForPriorInstances spin-stats every earlier instance's lock file,
// sleeping 10ms between checks and logging every hundredth iteration
// (spec.md §4.7 step 10 — the cross-manifest ordering guarantee).
func waitForPriorInstances(toolDir, stageDirName string, instance int) error {
	for j := instance - 1; j >= 1; j-- {
		lockPath := path.Join(toolDir, fmt.Sprintf(".lock_%s_%d", stageDirName, j))

		iter := 0
		for {
			if _, err := os.Stat(lockPath); err == nil {
				break
			}

			iter++
			if iter%100 == 0 {
				logger.Info("still waiting for prior instance lock", logger.Ctx{"lock": lockPath, "iterations": iter})
			}

			time.Sleep(10 * time.Millisecond)
		}
	}

	return nil
}

// buildExecEnv exports the fixed CTI_* / TMPDIR / SHELL env vars and rewrites PATH/
// LD_LIBRARY_PATH per spec.md §4.7 steps 8-9.
func buildExecEnv(stagePath string, extraAssigns []string) []string {
	binDir := path.Join(stagePath, "bin")
	libDir := path.Join(stagePath, "lib")
	tmpDir := path.Join(stagePath, "tmp")

	ldLibPath := libDir
	for _, kv := range extraAssigns {
		if strings.HasPrefix(kv, "CTI_EXTRA_LD_LIBRARY_PATH=") {
			extra := strings.TrimPrefix(kv, "CTI_EXTRA_LD_LIBRARY_PATH=")
			if extra != "" {
				ldLibPath = extra + ":" + libDir
			}
		}
	}

	env := map[string]string{
		"CTI_ALPS_DIR":    stagePath,
		"CTI_ROOT_DIR":    stagePath,
		"TMPDIR":          tmpDir,
		"CTI_BIN_DIR":     binDir,
		"CTI_LIB_DIR":     libDir,
		"SHELL":           "/bin/sh",
		"PATH":            binDir,
		"LD_LIBRARY_PATH": ldLibPath,
	}

	if old := os.Getenv("TMPDIR"); old != "" {
		env["CTI_OLD_TMPDIR"] = old
	}

	for _, kv := range extraAssigns {
		if strings.HasPrefix(kv, "CTI_EXTRA_LD_LIBRARY_PATH=") {
			continue
		}

		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			env[parts[0]] = parts[1]
		}
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}

	return out
}

// runClean removes the per-node stage directory and all lock files for the
// given APID/stage, the backend half of spec.md §4.8 cleanup.
func runClean(toolDir string, a Args) error {
	stagePath := path.Join(toolDir, a.StageDirName)

	if err := os.RemoveAll(stagePath); err != nil {
		logger.Warn("cleanup: failed to remove stage dir", logger.Ctx{"path": stagePath, "err": err})
	}

	for j := 1; j <= a.CleanSeq; j++ {
		lockPath := path.Join(toolDir, fmt.Sprintf(".lock_%s_%d", a.StageDirName, j))
		if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
			logger.Warn("cleanup: failed to remove lock file", logger.Ctx{"path": lockPath, "err": err})
		}
	}

	return nil
}
