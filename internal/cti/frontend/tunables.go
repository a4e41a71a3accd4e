package frontend

import (
	"os"
	"strconv"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Tunables holds the Frontend-level knobs of spec.md §3/§6.
type Tunables struct {
	StageDependencies bool          `mapstructure:"stage_dependencies"`
	LogDir            string        `mapstructure:"log_dir"`
	Debug             bool          `mapstructure:"debug"`
	PMIAttribsTimeout time.Duration `mapstructure:"pmi_attribs_timeout"`
	ExtraSleep        time.Duration `mapstructure:"extra_sleep"`
	Deduplicate       bool          `mapstructure:"deduplicate"`
	OverrideMC        bool          `mapstructure:"override_mc"`
	OverrideEproxy    bool          `mapstructure:"override_eproxy"`
	BaseDir           string        `mapstructure:"base_dir"`
	CfgDirTop         string        `mapstructure:"cfg_dir_top"`
	HostAddress       string        `mapstructure:"host_address"`
	LauncherName      string        `mapstructure:"launcher_name"`
}

// LoadTunables reads the environment variables of spec.md §6 into a loose
// map, then decodes it into Tunables with mapstructure — the same
// loosely-typed-map-to-struct pattern the teacher uses for daemon config
// rendering (incusd/daemon_config.go).
func LoadTunables() (Tunables, error) {
	raw := map[string]any{
		"stage_dependencies": true,
		"deduplicate":        envBool("CTI_DEDUPLICATE_FILES", true),
		"debug":              envBool("CTI_DBG", false),
		"override_mc":        os.Getenv("CTI_OVERRIDE_MC") != "",
		"override_eproxy":    os.Getenv("CTI_OVERRIDE_EPROXY") != "",
		"log_dir":            envOr("CTI_LOG_DIR", os.TempDir()),
		"base_dir":           os.Getenv("CTI_BASE_DIR"),
		"cfg_dir_top":        envOr("CTI_CFG_DIR", os.TempDir()),
		"host_address":       os.Getenv("CTI_HOST_ADDRESS"),
		"launcher_name":      os.Getenv("CTI_LAUNCHER_NAME"),
		"pmi_attribs_timeout": 30 * time.Second,
		"extra_sleep":         0 * time.Second,
	}

	var t Tunables

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &t,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Tunables{}, err
	}

	if err := dec.Decode(raw); err != nil {
		return Tunables{}, err
	}

	return t, nil
}

func envBool(name string, def bool) bool {
	v := os.Getenv(name)
	if v == "" {
		return def
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		// A value strconv.ParseBool does not recognize enables the flag; "0"
		// and "false" were already mapped to false by ParseBool above.
		return v != "0"
	}

	return b
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}

	return def
}
