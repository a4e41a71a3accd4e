package wlm

import (
	"os"
	"strings"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/common-tools-interface/cti-sub002/internal/cti/logger"
)

// defaultWLMDetectLib is HPCM's standard install path for the loadable
// libwlm_detect, consulted between the cheap file probes and the per-WLM
// invocation probes (spec.md §4.1: "then consult libwlm_detect's
// active/default query"). CTI_WLM_DETECT_LIB overrides it.
const defaultWLMDetectLib = "/opt/cray/wlm_detect/default/lib64/libwlm_detect.so"

// consultWLMDetectLibrary dlopens libwlm_detect and asks it for the active
// (falling back to default) WLM name, degrading to "no opinion" rather than
// failing detection outright when the library is absent, unloadable, or
// names something this package doesn't recognize — the remaining per-WLM
// probes in Detect still get a chance to run.
func consultWLMDetectLibrary() (Detection, bool) {
	libPath := os.Getenv("CTI_WLM_DETECT_LIB")
	if libPath == "" {
		libPath = defaultWLMDetectLib
	}

	if !fileExists(libPath) {
		return Detection{}, false
	}

	handle, err := purego.Dlopen(libPath, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		logger.Warn("libwlm_detect present but failed to load", logger.Ctx{"path": libPath, "err": err})
		return Detection{}, false
	}

	if name := wlmDetectName(registerOptionalFunc(handle, "wlm_detect_get_active")); name != "" {
		if d, ok := wlmDetectDetection(name); ok {
			return d, true
		}
	}

	if name := wlmDetectName(registerOptionalFunc(handle, "wlm_detect_get_default")); name != "" {
		if d, ok := wlmDetectDetection(name); ok {
			return d, true
		}
	}

	return Detection{}, false
}

// registerOptionalFunc binds a C function by name, returning nil instead of
// panicking when the symbol is missing — a stale or cut-down libwlm_detect
// build should degrade detection, not crash it.
func registerOptionalFunc(handle uintptr, symbol string) (fn func() uintptr) {
	defer func() {
		if recover() != nil {
			fn = nil
		}
	}()

	purego.RegisterLibFunc(&fn, handle, symbol)
	return fn
}

// wlmDetectName invokes a wlm_detect_get_{active,default} C function (which
// may be nil if RegisterLibFunc's symbol lookup failed) and decodes its
// NUL-terminated C-string return value without a cgo-based strlen/copy.
func wlmDetectName(fn func() uintptr) (name string) {
	if fn == nil {
		return ""
	}

	defer func() {
		// A stale/foreign libwlm_detect ABI must not crash detection.
		if recover() != nil {
			name = ""
		}
	}()

	ptr := fn()
	if ptr == 0 {
		return ""
	}

	const maxLen = 256
	buf := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), maxLen)

	n := strings.IndexByte(string(buf), 0)
	if n < 0 {
		return ""
	}

	return string(buf[:n])
}

// wlmDetectDetection maps libwlm_detect's reported name onto this package's Kind,
// matching the "system/wlm" vocabulary CTI_WLM_IMPL already accepts.
func wlmDetectDetection(name string) (Detection, bool) {
	lname := strings.ToLower(strings.TrimSpace(name))

	switch {
	case strings.Contains(lname, "slurm"):
		return Detection{WLM: KindSlurm, System: SystemGeneric}, true
	case strings.Contains(lname, "alps"):
		return Detection{WLM: KindALPS, System: SystemGeneric}, true
	case strings.Contains(lname, "pals"):
		return Detection{WLM: KindPALS, System: SystemGeneric}, true
	case strings.Contains(lname, "flux"):
		return Detection{WLM: KindFlux, System: SystemGeneric}, true
	default:
		logger.Warn("libwlm_detect reported an unrecognized WLM name", logger.Ctx{"name": name})
		return Detection{}, false
	}
}
