// Package config loads /etc/<mgr>/<mgr>.conf, a flat key=value file.
// Parsed with gopkg.in/ini.v1 the same way
// internal/hooks parses .hook trigger files — one parser for both
// shapes, matching the ini.v1 key=value usage seen across the example
// pack's system-configuration tools.
package config

import (
	"os"
	"strconv"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/bilusteknoloji/lpm/internal/lpmerrors"
)

// Config holds every recognized configuration key. Zero values mean
// "use the component's own default" except where noted.
type Config struct {
	Arch                  string
	OptLevel              string
	CPUType               string
	MaxSnapshots          int // <0 means "unset"
	FetchMaxWorkers       int // <=0 means "unset"
	IOBufferSize          int64
	AllowLPMBuildFallback bool
	Distro                map[string]string // DISTRO_* keys, maintainer mode only
}

// Default returns a Config with every field unset, so a caller can
// layer Load's result over it and still fall back to each component's
// own default for anything the file didn't set.
func Default() Config {
	return Config{MaxSnapshots: -1, FetchMaxWorkers: 0, Distro: map[string]string{}}
}

// Load reads a key=value config file. A missing file is not an error —
// every key is optional — it simply returns Default().
func Load(path string) (Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	f, err := ini.Load(path)
	if err != nil {
		return cfg, lpmerrors.ConfigError("parsing config file", err)
	}

	sec := f.Section("") // flat key=value, no [section] headers expected

	if v := sec.Key("ARCH").String(); v != "" {
		cfg.Arch = v
	}

	if v := sec.Key("OPT_LEVEL").String(); v != "" {
		cfg.OptLevel = v
	}

	if v := sec.Key("CPU_TYPE").String(); v != "" {
		cfg.CPUType = v
	}

	if v := sec.Key("MAX_SNAPSHOTS").String(); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cfg, lpmerrors.ConfigError("MAX_SNAPSHOTS must be an integer >= 0", err)
		}

		cfg.MaxSnapshots = n
	}

	if v := sec.Key("FETCH_MAX_WORKERS").String(); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return cfg, lpmerrors.ConfigError("FETCH_MAX_WORKERS must be a positive integer", err)
		}

		cfg.FetchMaxWorkers = n
	}

	if v := sec.Key("IO_BUFFER_SIZE").String(); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 65536 {
			return cfg, lpmerrors.ConfigError("IO_BUFFER_SIZE must be an integer >= 65536", err)
		}

		cfg.IOBufferSize = n
	}

	if v := sec.Key("ALLOW_LPMBUILD_FALLBACK").String(); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return cfg, lpmerrors.ConfigError("ALLOW_LPMBUILD_FALLBACK must be a boolean", err)
		}

		cfg.AllowLPMBuildFallback = b
	}

	for _, key := range sec.Keys() {
		if strings.HasPrefix(key.Name(), "DISTRO_") {
			cfg.Distro[key.Name()] = key.String()
		}
	}

	return cfg, nil
}
