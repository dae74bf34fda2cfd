package frame

import (
	"bytes"
	"regexp"
	"strconv"
)

// Payload prefixes include the priority byte and the tag terminator.
var (
	systemRestartPayload     = []byte("\x04SystemServer\x00Entered the Android system server!")
	crashReporterRestartPfx  = []byte("\x04\x00debuggerd: ")
	tombstoneWrittenPfx      = []byte("\x04DEBUG\x00\nTombstone written to: /data/tombstones/tombstone_")
	codeAroundPcPfx          = []byte("\x04DEBUG\x00\ncode around pc:")
	startProcessPfx          = []byte("\x04ActivityManager\x00Start proc ")
	forceStopProcessPfx      = []byte("\x04ActivityManager\x00Killing ")
	processDiedPfx           = []byte("\x04ActivityManager\x00Process ")
	anrTracesPrefixes        = [][]byte{
		[]byte("\x04dalvikvm\x00Wrote stack traces to '/data/anr/traces.txt'"),
		[]byte("\x04zygote\x00Wrote stack traces to '/data/anr/traces.txt'"),
		[]byte("\x04art\x00Wrote stack traces to '/data/anr/traces.txt'"),
	}

	startProcessPattern     = regexp.MustCompile(`^Start proc (\S+)[^:]*: pid=([0-9]+)`)
	startProcessPatternMR1  = regexp.MustCompile(`^Start proc ([0-9]+):([^/]+)`)
	forceStopProcessPattern = regexp.MustCompile(`^Killing (?:proc )?([0-9]+):`)
	processDiedPattern      = regexp.MustCompile(`^Process \S+ \(pid ([0-9]+)\) has died\.?$`)
	nativeSignalPattern     = regexp.MustCompile(`^Fatal signal (?:[0-9]+) \([0-9A-Z?]+\)`)
)

// Well-known process names on the device.
const (
	SystemServerName  = "system_server"
	CrashReporterName = "/system/bin/debuggerd"
	NativeCrashTag    = "libc"
)

// IsSourceRestart reports whether the record marks a restart of the system
// server or the crash reporter, after which cached process state is stale.
func (r Record) IsSourceRestart() bool {
	if bytes.Equal(bytes.TrimSuffix(r.Payload, []byte{0}), systemRestartPayload) {
		return true
	}
	return bytes.HasPrefix(r.Payload, crashReporterRestartPfx)
}

// StartedProcess extracts the pid and name from a process-start record. Both
// the "name ...: pid=N" and the "N:name/uid" message formats are accepted.
func (r Record) StartedProcess() (pid int, name string, ok bool) {
	if !bytes.HasPrefix(r.Payload, startProcessPfx) {
		return 0, "", false
	}
	if m := startProcessPattern.FindStringSubmatch(r.Message); m != nil {
		if pid, err := strconv.Atoi(m[2]); err == nil {
			return pid, m[1], true
		}
	}
	if m := startProcessPatternMR1.FindStringSubmatch(r.Message); m != nil {
		if pid, err := strconv.Atoi(m[1]); err == nil {
			return pid, m[2], true
		}
	}
	return 0, "", false
}

// EndedProcess extracts the pid from a force-stop or process-died record.
func (r Record) EndedProcess() (pid int, ok bool) {
	var pattern *regexp.Regexp
	switch {
	case bytes.HasPrefix(r.Payload, forceStopProcessPfx):
		pattern = forceStopProcessPattern
	case bytes.HasPrefix(r.Payload, processDiedPfx):
		pattern = processDiedPattern
	default:
		return 0, false
	}
	m := pattern.FindStringSubmatch(r.Message)
	if m == nil {
		return 0, false
	}
	pid, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return pid, true
}

// IsNativeCrash reports whether the C runtime logged a fatal signal.
func (r Record) IsNativeCrash() bool {
	if r.Level != LevelFatal || r.Tag != NativeCrashTag {
		return false
	}
	return nativeSignalPattern.MatchString(r.Message)
}

// IsCrashDumpEnd reports whether the crash reporter finished a dump.
func (r Record) IsCrashDumpEnd() bool {
	return bytes.HasPrefix(r.Payload, tombstoneWrittenPfx) || bytes.HasPrefix(r.Payload, codeAroundPcPfx)
}

// IsAnr reports whether the runtime wrote an application-not-responding
// stack trace dump.
func (r Record) IsAnr() bool {
	for _, prefix := range anrTracesPrefixes {
		if bytes.HasPrefix(r.Payload, prefix) {
			return true
		}
	}
	return false
}
