package registry

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var unsafeShellChars = regexp.MustCompile(`[^0-9a-zA-Z_@%+=:,./-]`)

// ProcFS reads the process table of a procfs mount.
type ProcFS struct {
	Root string
}

// Pids returns the numeric entries of the proc root.
func (p ProcFS) Pids() ([]int, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return nil, err
	}
	pids := make([]int, 0, len(entries))
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid <= 0 {
			continue
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// Scan returns the name of every running process.
func (p ProcFS) Scan() (map[int]string, error) {
	pids, err := p.Pids()
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(pids))
	for _, pid := range pids {
		names[pid] = p.Name(pid)
	}
	return names, nil
}

// Name resolves the display name of pid: the shell-quoted argument vector,
// else the short command name, else "PID:<pid>".
func (p ProcFS) Name(pid int) string {
	dir := filepath.Join(p.Root, strconv.Itoa(pid))

	if raw, err := os.ReadFile(filepath.Join(dir, "cmdline")); err == nil {
		if cmdline := trimControl(string(raw)); cmdline != "" {
			return quoteArgs(strings.Split(cmdline, "\x00"))
		}
	}
	if raw, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		if comm := trimControl(string(raw)); comm != "" {
			return comm
		}
	}
	return UnknownName(pid)
}

// CommModTime returns the modification time of the process' comm file,
// which changes when the process renames itself.
func (p ProcFS) CommModTime(pid int) time.Time {
	info, err := os.Stat(filepath.Join(p.Root, strconv.Itoa(pid), "comm"))
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

// UnknownName is the name given to processes that could not be resolved.
func UnknownName(pid int) string {
	return "PID:" + strconv.Itoa(pid)
}

func trimControl(s string) string {
	return strings.TrimFunc(s, func(r rune) bool { return r <= ' ' })
}

func quoteArgs(args []string) string {
	var b strings.Builder
	for i, arg := range args {
		if i > 0 {
			b.WriteByte(' ')
		}
		switch {
		case arg == "":
			b.WriteString("''")
		case !unsafeShellChars.MatchString(arg):
			b.WriteString(arg)
		default:
			b.WriteByte('\'')
			b.WriteString(strings.ReplaceAll(arg, "'", `'"'"'`))
			b.WriteByte('\'')
		}
	}
	return b.String()
}
