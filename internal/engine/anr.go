package engine

import (
	"bufio"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/coffersTech/crashcat/internal/render"
)

// DefaultAnrTraces is where the runtime dumps stack traces on ANR.
const DefaultAnrTraces = "/data/anr/traces.txt"

// DefaultAnrMaxLines bounds the excerpt copied into a log.
const DefaultAnrMaxLines = 5000

// writeAnrExcerpt copies the trace section of pid from the dump at path
// into w: every line from "----- pid <pid> at " through "----- end <pid>".
// Prefix and suffix are always rendered, even when the dump is unreadable.
func writeAnrExcerpt(w io.Writer, r render.Renderer, path string, pid, maxLines int) error {
	if err := r.AnrPrefix(w); err != nil {
		return err
	}
	copyErr := copyAnrSection(w, r, path, pid, maxLines)
	if err := r.AnrSuffix(w); err != nil {
		return err
	}
	return copyErr
}

func copyAnrSection(w io.Writer, r render.Renderer, path string, pid, maxLines int) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	begin := "----- pid " + strconv.Itoa(pid) + " at "
	end := "----- end " + strconv.Itoa(pid)

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	inside := false
	written := 0
	for sc.Scan() {
		line := sc.Text()
		if !inside && strings.HasPrefix(line, begin) {
			inside = true
		}
		if !inside {
			continue
		}
		if maxLines > 0 && written >= maxLines {
			break
		}
		if err := r.AnrLine(w, line); err != nil {
			return err
		}
		written++
		if strings.HasPrefix(line, end) {
			inside = false
		}
	}
	return sc.Err()
}
