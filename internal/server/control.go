package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/coffersTech/crashcat/internal/settings"
	"github.com/valyala/fastjson"
)

const maxBodySize = 1 << 20

// parseBody parses the JSON request body with p. An empty body is an empty
// object. The value is valid until p is returned to its pool.
func parseBody(r *http.Request, p *fastjson.Parser) (*fastjson.Value, *APIError) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		return nil, NewInvalidRequestError("Failed to read body", err.Error())
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	v, err := p.ParseBytes(body)
	if err != nil {
		return nil, NewInvalidRequestError("Invalid JSON", err.Error())
	}
	if v.Type() != fastjson.TypeObject {
		return nil, NewInvalidRequestError("Expected a JSON object")
	}
	return v, nil
}

// stringField returns the string value of key. A missing key reports false;
// a value of another type is an error.
func stringField(v *fastjson.Value, key string) (string, bool, *APIError) {
	f := v.Get(key)
	if f == nil {
		return "", false, nil
	}
	b, err := f.StringBytes()
	if err != nil {
		return "", false, NewInvalidRequestError("Invalid "+key, err.Error())
	}
	return string(b), true, nil
}

func pathPid(r *http.Request) (int, *APIError) {
	pid, err := strconv.Atoi(r.PathValue("pid"))
	if err != nil || pid <= 0 {
		return 0, NewInvalidRequestError("Invalid pid", r.PathValue("pid"))
	}
	return pid, nil
}

// handleStartRecording starts recording a process. The optional "name"
// names a process the registry has not seen yet.
// POST /api/recordings/{pid}/start
func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	pid, apiErr := pathPid(r)
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}
	p := s.parser.Get()
	defer s.parser.Put(p)
	v, apiErr := parseBody(r, p)
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}

	name, _, apiErr := stringField(v, "name")
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}
	sess, created, err := s.dispatcher.StartRecording(pid, name, time.Now())
	if err != nil {
		WriteErrorResponse(w, NewInternalError("Failed to start recording", err.Error()))
		return
	}
	if sess == nil {
		WriteErrorResponse(w, NewNotFoundError("Unknown process: "+strconv.Itoa(pid)))
		return
	}
	writeJSON(w, map[string]any{"pid": pid, "file": sess.Name(), "created": created})
}

// handleStopRecording stops recording a process.
// POST /api/recordings/{pid}/stop
func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	pid, apiErr := pathPid(r)
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}
	writeJSON(w, map[string]any{"pid": pid, "stopped": s.dispatcher.StopRecording(pid)})
}

type settingsView struct {
	Filter          string `json:"filter"`
	PurgeDurationMs int64  `json:"purge_duration_ms"`
	PurgeFilesize   int64  `json:"purge_filesize"`
	SplitSize       int64  `json:"split_size"`
	HasToken        bool   `json:"has_token"`
}

func viewSettings(st settings.Settings) settingsView {
	return settingsView{
		Filter:          st.Filter,
		PurgeDurationMs: st.PurgeDurationMs,
		PurgeFilesize:   st.PurgeFilesize,
		SplitSize:       st.SplitSize,
		HasToken:        st.TokenHash != "",
	}
}

// handleSettings reads or updates the capture settings. Only the fields
// present in the body change; "token" replaces the control token.
// GET|POST /api/settings
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, viewSettings(s.settings.Get()))
		return
	case http.MethodPost:
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	p := s.parser.Get()
	defer s.parser.Put(p)
	v, apiErr := parseBody(r, p)
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}

	ints := make(map[string]int64)
	for _, key := range []string{"purge_duration_ms", "purge_filesize", "split_size"} {
		f := v.Get(key)
		if f == nil {
			continue
		}
		n, err := f.Int64()
		if err != nil {
			WriteErrorResponse(w, NewInvalidRequestError("Invalid "+key, err.Error()))
			return
		}
		ints[key] = n
	}
	filterText, hasFilter, apiErr := stringField(v, "filter")
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}
	token, hasToken, apiErr := stringField(v, "token")
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}

	err := s.settings.Update(func(st *settings.Settings) {
		if hasFilter {
			st.Filter = filterText
		}
		if n, ok := ints["purge_duration_ms"]; ok {
			st.PurgeDurationMs = n
		}
		if n, ok := ints["purge_filesize"]; ok {
			st.PurgeFilesize = n
		}
		if n, ok := ints["split_size"]; ok {
			st.SplitSize = n
		}
	})
	if err != nil {
		WriteErrorResponse(w, NewConfigError(err))
		return
	}

	if hasToken {
		if err := s.settings.SetToken(token); err != nil {
			WriteErrorResponse(w, NewInternalError("Failed to set token", err.Error()))
			return
		}
	}
	writeJSON(w, viewSettings(s.settings.Get()))
}

type filtersView struct {
	LogFilter string `json:"log_filter"`
	Default   bool   `json:"default"`
}

// handleFilters reads or replaces the routing rules. An empty document
// restores the built-in rules.
// GET|POST /api/filters
func (s *Server) handleFilters(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		p := s.parser.Get()
		defer s.parser.Put(p)
		v, apiErr := parseBody(r, p)
		if apiErr != nil {
			WriteErrorResponse(w, apiErr)
			return
		}
		text, _, apiErr := stringField(v, "log_filter")
		if apiErr != nil {
			WriteErrorResponse(w, apiErr)
			return
		}
		if err := s.settings.Update(func(st *settings.Settings) { st.LogFilter = text }); err != nil {
			WriteErrorResponse(w, NewConfigError(err))
			return
		}
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cur := s.settings.Current()
	writeJSON(w, filtersView{LogFilter: cur.RuleText(), Default: cur.UsesDefaultRules()})
}

// handleStats returns capture statistics.
// GET /api/stats
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.dispatcher.Stats())
}
