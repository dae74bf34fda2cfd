package server

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path/filepath"

	"github.com/coffersTech/crashcat/internal/storage"
)

type fileEntry struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	Modified int64  `json:"modified"` // unix ms
	Pid      int    `json:"pid,omitempty"`
	Process  string `json:"process,omitempty"`
}

type fileList struct {
	Files     []fileEntry `json:"files"`
	TotalSize int64       `json:"total_size"`
}

// handleListFiles lists the recorded logs, newest first.
// GET /api/files
func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := storage.ListFiles(s.dataDir)
	if err != nil {
		WriteErrorResponse(w, NewInternalError("Failed to list logs", err.Error()))
		return
	}

	owners := make(map[string]int)
	names := make(map[int]string)
	for _, p := range s.registry.ListProcesses() {
		if p.Recording {
			owners[p.File] = p.Pid
			names[p.Pid] = p.Name
		}
	}

	resp := fileList{Files: make([]fileEntry, 0, len(files))}
	for _, f := range files {
		entry := fileEntry{Name: f.Name, Size: f.Size, Modified: f.ModTime.UnixMilli()}
		if pid, ok := owners[f.Name]; ok {
			entry.Pid = pid
			entry.Process = names[pid]
		}
		resp.Files = append(resp.Files, entry)
		resp.TotalSize += f.Size
	}
	writeJSON(w, resp)
}

// handleGetFile serves a log decompressed. A log still being recorded is
// flushed first so it can be read up to the last record.
// GET /api/files/{name}
func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	path, err := storage.ResolveName(s.dataDir, name)
	if err != nil {
		WriteErrorResponse(w, NewInvalidRequestError("Invalid file name", name))
		return
	}
	s.registry.FlushFile(name)

	rc, err := storage.OpenLog(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			WriteErrorResponse(w, NewNotFoundError("File not found: "+name))
			return
		}
		WriteErrorResponse(w, NewInternalError("Failed to open log", err.Error()))
		return
	}
	defer rc.Close()

	contentType := "text/plain; charset=utf-8"
	if filepath.Ext(storage.PlainName(name)) == ".html" {
		contentType = "text/html; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Debug("Failed to serve log", slog.String("file", name), slog.Any("error", err))
	}
}

// handleDeleteFile removes a log that is not being recorded.
// DELETE /api/files/{name}
func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if apiErr := s.deleteFile(name); apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteFile(name string) *APIError {
	if _, recording := s.registry.FindPidByFile(name); recording {
		return NewAPIError(ErrorTypeInvalidRequest, "File is being recorded: "+name, http.StatusConflict)
	}
	if err := storage.Delete(s.dataDir, name); err != nil {
		switch {
		case errors.Is(err, storage.ErrInvalidName):
			return NewInvalidRequestError("Invalid file name", name)
		case errors.Is(err, fs.ErrNotExist):
			return NewNotFoundError("File not found: " + name)
		default:
			return NewInternalError("Failed to delete log", err.Error())
		}
	}
	slog.Info("Log deleted", slog.String("file", name))
	return nil
}

type bulkResult struct {
	Deleted []string          `json:"deleted"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// handleBulk deletes or downloads several logs at once.
// POST /api/files/bulk {"action": "delete"|"download", "files": [...]}
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	p := s.parser.Get()
	defer s.parser.Put(p)
	v, apiErr := parseBody(r, p)
	if apiErr != nil {
		WriteErrorResponse(w, apiErr)
		return
	}
	action := string(v.GetStringBytes("action"))
	var names []string
	for _, item := range v.GetArray("files") {
		if b, err := item.StringBytes(); err == nil {
			names = append(names, string(b))
		}
	}
	if len(names) == 0 {
		WriteErrorResponse(w, NewInvalidRequestError("No files selected"))
		return
	}

	switch action {
	case "delete":
		res := bulkResult{Deleted: []string{}}
		for _, name := range names {
			if apiErr := s.deleteFile(name); apiErr != nil {
				if res.Failed == nil {
					res.Failed = make(map[string]string)
				}
				res.Failed[name] = apiErr.Message
				continue
			}
			res.Deleted = append(res.Deleted, name)
		}
		writeJSON(w, res)

	case "download":
		for _, name := range names {
			if _, err := storage.ResolveName(s.dataDir, name); err != nil {
				WriteErrorResponse(w, NewInvalidRequestError("Invalid file name", name))
				return
			}
			s.registry.FlushFile(name)
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="crashcat-logs.zip"`)
		if err := storage.WriteZip(w, s.dataDir, names); err != nil {
			slog.Warn("Failed to export logs", slog.Any("error", err))
		}

	default:
		WriteErrorResponse(w, NewInvalidRequestError("Unknown action", action))
	}
}
