package render

import (
	"html/template"
	"io"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
)

var htmlTemplates = template.Must(template.New("log").Parse(`
{{define "header"}}<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Process}} ({{.Pid}})</title>
<style>
body{font-family:monospace;font-size:12px}
td{vertical-align:top;padding:0 4px}
pre{margin:0;white-space:pre-wrap}
.V{color:#888}.D{color:#06c}.I{color:#080}.W{color:#c80}.E{color:#c00}.F{color:#fff;background:#c00}
.anr pre{background:#ffe}
</style></head><body>
<h1>{{.Process}}</h1>
<p>pid {{.Pid}}, started {{.Date}}</p>
<p>host {{.Host.Hostname}} {{.Host.Addresses}}</p>
<table>
{{end}}
{{define "entry"}}<tr class="{{.Level}}"><td>{{.Time}}</td><td>{{.Level}}/{{.Tag}}</td><td>({{.Pid}}{{if ne .Pid .Tid}}/{{.Tid}}{{end}})</td><td><pre>{{.Message}}</pre></td></tr>
{{end}}
{{define "footer"}}</table></body></html>
{{end}}
{{define "anr_prefix"}}<tr class="anr"><td colspan="4"><pre>
{{end}}
{{define "anr_line"}}{{.}}
{{end}}
{{define "anr_suffix"}}</pre></td></tr>
{{end}}
`))

// HTML renders a self-contained HTML table per session file.
type HTML struct {
	host HostInfo
}

func NewHTML() *HTML {
	return &HTML{host: hostInfo()}
}

func (h *HTML) Ext() string { return ".html" }

func (h *HTML) Header(w io.Writer, pid int, process string, ts time.Time) error {
	return htmlTemplates.ExecuteTemplate(w, "header", struct {
		Pid     int
		Process string
		Date    string
		Host    HostInfo
	}{pid, process, ts.Format(time.RFC1123), h.host})
}

func (h *HTML) Entry(w io.Writer, rec frame.Record) error {
	return htmlTemplates.ExecuteTemplate(w, "entry", struct {
		Time     string
		Level    string
		Tag      string
		Pid, Tid int32
		Message  string
	}{clock(rec), string(rec.Level.Char()), rec.Tag, rec.Pid, rec.Tid, rec.Message})
}

func (h *HTML) Footer(w io.Writer) error {
	return htmlTemplates.ExecuteTemplate(w, "footer", nil)
}

func (h *HTML) AnrPrefix(w io.Writer) error {
	return htmlTemplates.ExecuteTemplate(w, "anr_prefix", nil)
}

func (h *HTML) AnrLine(w io.Writer, line string) error {
	return htmlTemplates.ExecuteTemplate(w, "anr_line", line)
}

func (h *HTML) AnrSuffix(w io.Writer) error {
	return htmlTemplates.ExecuteTemplate(w, "anr_suffix", nil)
}
