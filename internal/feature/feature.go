package feature

import (
	"os"
	"strings"
)

// Feature defines an application feature toggled by a specific environment variable.
type Feature struct {
	// EnvVariable defines the name of the corresponding environment variable.
	EnvVariable    string
	defaultEnabled bool
}

// Enabled reads the environment variable responsible for the feature flag. If FF is disabled by default, the
// environment variable needs to be `true` to explicitly enable it. If FF is enabled by default, variable needs to be
// `false` to explicitly disable it.
func (f Feature) Enabled() bool {
	env := os.Getenv(f.EnvVariable)

	if f.defaultEnabled {
		return env != "false"
	}

	return env == "true"
}

// SkipAutomaticLockOnWrites turns automatic write-locking of newly created tables into a no-op for the whole
// process. It exists for local development bootstrapping, where all schemas live in a single throwaway database.
// Manual `lock-writes` and `unlock-writes` keep working when this is set.
var SkipAutomaticLockOnWrites = Feature{
	EnvVariable: "SKIP_AUTOMATIC_LOCK_ON_WRITES",
}

// WALThrottling pauses column backfills while the number of WAL segments pending archival is above the configured
// threshold.
var WALThrottling = Feature{
	defaultEnabled: true,
	EnvVariable:    "DBGUARD_FF_WAL_THROTTLING",
}

// RunLease guards migration runs with an exclusive lease so that two runners never migrate the same database at
// once. Disabling it is only meant for environments where the deploy tooling already serializes runs.
var RunLease = Feature{
	defaultEnabled: true,
	EnvVariable:    "DBGUARD_FF_RUN_LEASE",
}

// Prefix is shared by the environment variables of every feature flag owned by database-guard.
const Prefix = "DBGUARD_FF_"

var all = []Feature{
	SkipAutomaticLockOnWrites,
	WALThrottling,
	RunLease,
}

// KnownEnvVar evaluates whether the input string matches the name of one of the known feature flag env vars.
func KnownEnvVar(name string) bool {
	for _, f := range all {
		if f.EnvVariable == name {
			return true
		}
	}

	return false
}

// Unknown returns the variables of environ, as returned by os.Environ, that look like feature flags but match none.
// These are usually typos or flags removed in a previous release.
func Unknown(environ []string) []string {
	var out []string
	for _, kv := range environ {
		name, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(name, Prefix) && !KnownEnvVar(name) {
			out = append(out, name)
		}
	}
	return out
}
