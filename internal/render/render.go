// Package render formats recorded log files.
package render

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
)

// Renderer writes the textual content of session files. Implementations must
// be safe for concurrent use; all per-call state lives on the stack.
type Renderer interface {
	// Ext is the file suffix of the rendered content, before compression.
	Ext() string
	Header(w io.Writer, pid int, process string, ts time.Time) error
	Entry(w io.Writer, rec frame.Record) error
	Footer(w io.Writer) error
	AnrPrefix(w io.Writer) error
	AnrLine(w io.Writer, line string) error
	AnrSuffix(w io.Writer) error
}

// New returns the renderer for format, "html" or "text".
func New(format string) (Renderer, error) {
	switch format {
	case "", "html":
		return NewHTML(), nil
	case "text", "txt":
		return NewText(), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// HostInfo describes the capturing machine in file headers.
type HostInfo struct {
	Hostname  string
	Addresses string
}

func hostInfo() HostInfo {
	name, _ := os.Hostname()
	return HostInfo{Hostname: name, Addresses: strings.Join(addresses(), " / ")}
}

func addresses() []string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil
	}
	var out []string
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		out = append(out, ipnet.IP.String())
	}
	return out
}

// clock formats the wall time of an entry.
func clock(rec frame.Record) string {
	return rec.Time().Format("15:04:05.000")
}
