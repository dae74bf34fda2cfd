package render

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
)

// Text renders plain log lines in the familiar logcat "threadtime" layout.
type Text struct {
	host HostInfo
}

func NewText() *Text {
	return &Text{host: hostInfo()}
}

func (t *Text) Ext() string { return ".txt" }

func (t *Text) Header(w io.Writer, pid int, process string, ts time.Time) error {
	_, err := fmt.Fprintf(w, "--------- process %s (pid %d) started %s on %s [%s]\n",
		process, pid, ts.Format(time.RFC1123), t.host.Hostname, t.host.Addresses)
	return err
}

func (t *Text) Entry(w io.Writer, rec frame.Record) error {
	prefix := fmt.Sprintf("%s %5d %5d %c %s: ", clock(rec), rec.Pid, rec.Tid, rec.Level.Char(), rec.Tag)
	msg := strings.TrimRight(rec.Message, "\n")
	for _, line := range strings.Split(msg, "\n") {
		if _, err := io.WriteString(w, prefix+line+"\n"); err != nil {
			return err
		}
	}
	return nil
}

func (t *Text) Footer(w io.Writer) error {
	_, err := io.WriteString(w, "--------- end of log\n")
	return err
}

func (t *Text) AnrPrefix(w io.Writer) error {
	_, err := io.WriteString(w, "--------- ANR traces\n")
	return err
}

func (t *Text) AnrLine(w io.Writer, line string) error {
	_, err := io.WriteString(w, line+"\n")
	return err
}

func (t *Text) AnrSuffix(w io.Writer) error {
	_, err := io.WriteString(w, "--------- end of ANR traces\n")
	return err
}
