package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/coffersTech/crashcat/internal/storage"
)

// PersistentStats holds cumulative statistics that survive restarts.
type PersistentStats struct {
	TotalRecords int64            `json:"total_records"`
	Delivered    int64            `json:"delivered"`
	LevelCounts  map[string]int64 `json:"level_counts"`  // level name -> count
	SourceCounts map[string]int64 `json:"source_counts"` // recorded process -> delivered records
}

// SystemStats is the API view of the capture statistics.
type SystemStats struct {
	IngestionRate float64          `json:"ingestion_rate"` // records/sec
	TotalRecords  int64            `json:"total_records"`
	Delivered     int64            `json:"delivered"`
	Recording     int              `json:"recording"`
	DiskUsage     int64            `json:"disk_usage"` // bytes
	FileCount     int              `json:"file_count"`
	LevelDist     map[string]int64 `json:"level_dist"`
	TopSources    map[string]int64 `json:"top_sources"`
}

// statsFileName is the filename for persisted stats
const statsFileName = "capture.stats"

// Stats accumulates capture counters. Only the capture loop records into
// it; readers take copies.
type Stats struct {
	stateDir string

	mu       sync.Mutex
	data     PersistentStats
	rate     float64
	lastSeen int64
}

// LoadStats reads stats persisted in stateDir. A missing or corrupted file
// starts from zero.
func LoadStats(stateDir string) *Stats {
	s := &Stats{stateDir: stateDir, data: emptyStats()}
	if stateDir == "" {
		return s
	}

	raw, err := os.ReadFile(filepath.Join(stateDir, statsFileName))
	if err != nil {
		return s
	}
	var data PersistentStats
	if err := json.Unmarshal(raw, &data); err != nil {
		slog.Warn("Ignoring corrupted stats file", slog.Any("error", err))
		return s
	}
	if data.LevelCounts == nil {
		data.LevelCounts = make(map[string]int64)
	}
	if data.SourceCounts == nil {
		data.SourceCounts = make(map[string]int64)
	}
	s.data = data
	s.lastSeen = data.TotalRecords
	return s
}

func emptyStats() PersistentStats {
	return PersistentStats{
		LevelCounts:  make(map[string]int64),
		SourceCounts: make(map[string]int64),
	}
}

// Save writes the stats to disk atomically.
func (s *Stats) Save() error {
	if s.stateDir == "" {
		return nil
	}
	s.mu.Lock()
	raw, err := json.MarshalIndent(s.data, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.stateDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(s.stateDir, statsFileName)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0644); err != nil {
		return err
	}
	return os.Rename(tmpPath, path)
}

func (s *Stats) observe(rec frame.Record) {
	s.mu.Lock()
	s.data.TotalRecords++
	s.data.LevelCounts[rec.Level.String()]++
	s.mu.Unlock()
}

func (s *Stats) delivered(target string, n int) {
	if n == 0 {
		return
	}
	s.mu.Lock()
	s.data.Delivered += int64(n)
	s.data.SourceCounts[target] += int64(n)
	s.mu.Unlock()
}

// tick updates the ingestion rate from the records seen since the last tick.
func (s *Stats) tick(elapsed time.Duration) {
	if elapsed <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = float64(s.data.TotalRecords-s.lastSeen) / elapsed.Seconds()
	s.lastSeen = s.data.TotalRecords
}

// RunRate recomputes the ingestion rate every second until ctx is done.
func (s *Stats) RunRate(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			s.tick(now.Sub(last))
			last = now
		case <-ctx.Done():
			return
		}
	}
}

// Snapshot returns the counters together with the disk usage of dataDir.
func (s *Stats) Snapshot(dataDir string, recording int) SystemStats {
	s.mu.Lock()
	out := SystemStats{
		IngestionRate: s.rate,
		TotalRecords:  s.data.TotalRecords,
		Delivered:     s.data.Delivered,
		Recording:     recording,
		LevelDist:     make(map[string]int64, len(s.data.LevelCounts)),
		TopSources:    make(map[string]int64, len(s.data.SourceCounts)),
	}
	for k, v := range s.data.LevelCounts {
		out.LevelDist[k] = v
	}
	for k, v := range s.data.SourceCounts {
		out.TopSources[k] = v
	}
	s.mu.Unlock()

	files, err := storage.ListFiles(dataDir)
	if err == nil {
		out.FileCount = len(files)
		for _, f := range files {
			out.DiskUsage += f.Size
		}
	}
	return out
}
