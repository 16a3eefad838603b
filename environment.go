package langsmith

import (
	"os"
	"runtime"
	"strings"
)

// secretKeyMarkers are the case-insensitive substrings that mark an
// environment variable name as likely sensitive (spec §4.4 "env var
// redaction heuristic").
var secretKeyMarkers = []string{"API_KEY", "SECRET", "TOKEN", "PASSWORD", "_KEY"}

// looksSensitive reports whether name contains one of secretKeyMarkers,
// case-insensitively.
func looksSensitive(name string) bool {
	upper := strings.ToUpper(name)
	for _, marker := range secretKeyMarkers {
		if strings.Contains(upper, marker) {
			return true
		}
	}
	return false
}

// redactValue masks value as "first2***last2", or "***" outright if it is
// too short to safely reveal any characters.
func redactValue(value string) string {
	if len(value) <= 4 {
		return "***"
	}
	return value[:2] + "***" + value[len(value)-2:]
}

// EnvironmentSnapshot is the runtime fingerprint attached to a trace's
// root run extra metadata (spec §4.4).
type EnvironmentSnapshot struct {
	SDKLanguage    string            `json:"sdk_language"`
	SDKVersion     string            `json:"sdk_version"`
	GoVersion      string            `json:"go_version"`
	OS             string            `json:"os"`
	Arch           string            `json:"arch"`
	PID            int               `json:"pid"`
	Hostname       string            `json:"hostname,omitempty"`
	RevisionID     string            `json:"revision_id,omitempty"`
	EnvironmentVars map[string]string `json:"environment_vars,omitempty"`
}

// sdkVersion is overwritten at release-tag time; left as a placeholder
// during development.
const sdkVersion = "0.1.0-dev"

// knownConfigEnvVars lists the host env vars whose (possibly redacted)
// values are worth attaching to a trace for debugging deployments, beyond
// the LangSmith-specific LANGSMITH_* variables read by client options.
var knownConfigEnvVars = []string{
	"LANGSMITH_REVISION_ID",
	"LANGCHAIN_REVISION_ID",
	"HOSTNAME",
}

// CaptureEnvironment builds an EnvironmentSnapshot from the current
// process. extraEnvVarNames lets a caller opt additional env vars into
// the snapshot (e.g. a deployment tag); every captured value is passed
// through the redaction heuristic regardless of source.
func CaptureEnvironment(extraEnvVarNames ...string) EnvironmentSnapshot {
	snap := EnvironmentSnapshot{
		SDKLanguage: "go",
		SDKVersion:  sdkVersion,
		GoVersion:   runtime.Version(),
		OS:          runtime.GOOS,
		Arch:        runtime.GOARCH,
		PID:         os.Getpid(),
	}
	if host, err := os.Hostname(); err == nil {
		snap.Hostname = host
	}
	if rev := os.Getenv("LANGSMITH_REVISION_ID"); rev != "" {
		snap.RevisionID = rev
	} else if rev := os.Getenv("LANGCHAIN_REVISION_ID"); rev != "" {
		snap.RevisionID = rev
	}

	names := append(append([]string(nil), knownConfigEnvVars...), extraEnvVarNames...)
	vars := map[string]string{}
	for _, name := range names {
		v, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if looksSensitive(name) {
			v = redactValue(v)
		}
		vars[name] = v
	}
	if len(vars) > 0 {
		snap.EnvironmentVars = vars
	}
	return snap
}
