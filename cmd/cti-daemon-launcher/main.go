// Command cti-daemon-launcher is the on-compute-node binary of spec.md §4.7:
// unpacks a shipped manifest tarball, enforces cross-manifest lock-file
// ordering, rewrites the exec environment, and execs the tool daemon.
//
// Its own argv parsing intentionally does not use spf13/pflag: the flag
// shapes here (repeated `-e`, a bare `--clean <n>`, and a literal `--`
// boundary before the forwarded daemon argv) are dictated by the frontend's
// startDaemon argv builder in internal/cti/transfer, byte for byte — pflag's
// GNU-style parsing would reinterpret `--` and repeated flags differently,
// so internal/cti/daemonlauncher hand-parses os.Args instead (see DESIGN.md).
package main

import (
	"fmt"
	"os"

	"github.com/common-tools-interface/cti-sub002/internal/cti/ctierrors"
	"github.com/common-tools-interface/cti-sub002/internal/cti/daemonlauncher"
	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

func main() {
	logDir := os.Getenv("CTI_LOG_DIR")

	if err := daemonlauncher.Run(logDir); err != nil {
		ctierrors.SetLastError(err)
		logger.Error("daemon launcher failed", logger.Ctx{"err": err})
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
