// Package envcfg centralizes the environment variables this module reads,
// built on github.com/xyproto/env/v2 the same way the rest of the ambient
// configuration surface is meant to be read: no ad-hoc os.Getenv calls
// scattered through the engine.
package envcfg

import (
	"strconv"
	"strings"

	"github.com/xyproto/env/v2"
)

const (
	resolverOverridePrefix = "PATTERNSLEUTH_RES_"
	scanWorkersVar         = "PATTERNSLEUTH_SCAN_WORKERS"
	debugVar               = "PATTERNSLEUTH_DEBUG"
)

// ScanWorkers returns the configured scanner worker-pool size, or 0 if unset
// or invalid (callers fall back to runtime.GOMAXPROCS).
func ScanWorkers() int {
	if !env.Has(scanWorkersVar) {
		return 0
	}
	n := env.Int(scanWorkersVar, 0)
	if n < 0 {
		return 0
	}
	return n
}

// Debug reports whether verbose engine tracing was requested.
func Debug() bool {
	return env.Bool(debugVar)
}

// ResolverOverride returns the literal address configured for resolver name
// via PATTERNSLEUTH_RES_<name>, and whether one was set at all. The value may
// be decimal or 0x-prefixed hex, matching the pattern package's xref address
// syntax.
func ResolverOverride(name string) (uint64, bool, error) {
	key := resolverOverridePrefix + name
	if !env.Has(key) {
		return 0, false, nil
	}
	raw := strings.TrimSpace(env.Str(key))
	var (
		v   uint64
		err error
	)
	if strings.HasPrefix(raw, "0x") || strings.HasPrefix(raw, "0X") {
		v, err = strconv.ParseUint(raw[2:], 16, 64)
	} else {
		v, err = strconv.ParseUint(raw, 10, 64)
	}
	if err != nil {
		return 0, true, err
	}
	return v, true, nil
}
