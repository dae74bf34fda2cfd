package settings

import (
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coffersTech/crashcat/internal/filter"
	"github.com/pelletier/go-toml/v2"
	"golang.org/x/crypto/bcrypt"
)

// Settings keys, also used as ConfigError sources.
const (
	SourceFilter    = "filter"
	SourceLogFilter = filter.SourceLogFilter
)

// DefaultFilter selects dotted application package names outside the
// platform namespace.
const DefaultFilter = `^(?!com\.android\.)[a-z]\w*(\.\w+)+(:\w+)?$`

// Settings is the persisted configuration consumed by the capture engine.
type Settings struct {
	// Filter selects the processes recorded when they start.
	Filter string `toml:"filter"`
	// PurgeDurationMs is the maximum age of kept logs, -1 disables.
	PurgeDurationMs int64 `toml:"purge_duration_ms"`
	// PurgeFilesize is the maximum total size of kept logs, -1 disables.
	PurgeFilesize int64 `toml:"purge_filesize"`
	// SplitSize rotates a log once its file reaches it, negative disables.
	SplitSize int64 `toml:"split_size"`
	// LogFilter is the rule document; empty selects the built-in rules.
	LogFilter string `toml:"log_filter,multiline"`
	// TokenHash is the bcrypt hash of the control token.
	TokenHash string `toml:"token_hash"`
}

// Defaults returns the settings used before anything is saved.
func Defaults() Settings {
	return Settings{
		Filter:          DefaultFilter,
		PurgeDurationMs: -1,
		PurgeFilesize:   -1,
		SplitSize:       32768,
	}
}

// Compiled is a validated, immutable view of Settings.
type Compiled struct {
	Settings
	Include *filter.Pattern
	Rules   *filter.RuleSet
}

// Compile validates s. Errors are *filter.ConfigError.
func Compile(s Settings) (*Compiled, error) {
	include, err := filter.CompilePattern(SourceFilter, s.Filter)
	if err != nil {
		return nil, err
	}
	var rules *filter.RuleSet
	if s.LogFilter == "" {
		rules = filter.Default()
	} else if rules, err = filter.Compile(s.LogFilter); err != nil {
		return nil, err
	}
	return &Compiled{Settings: s, Include: include, Rules: rules}, nil
}

// Includes reports whether a started process should be recorded.
func (c *Compiled) Includes(process string) bool {
	return c.Include.Find(process)
}

// MaxAge returns the purge age bound, negative when disabled. Ages beyond
// the range of time.Duration are clamped to its maximum.
func (c *Compiled) MaxAge() time.Duration {
	if c.PurgeDurationMs < 0 {
		return -1
	}
	if c.PurgeDurationMs > int64(math.MaxInt64/time.Millisecond) {
		return math.MaxInt64
	}
	return time.Duration(c.PurgeDurationMs) * time.Millisecond
}

// RuleText returns the effective rule document.
func (c *Compiled) RuleText() string {
	return c.Rules.Text()
}

// UsesDefaultRules reports whether no custom rule document is set.
func (c *Compiled) UsesDefaultRules() bool {
	return c.LogFilter == ""
}

// Store handles persistence of Settings and publishes the compiled view.
type Store struct {
	filePath string
	mu       sync.Mutex
	data     Settings
	current  atomic.Pointer[Compiled]
}

// NewStore creates a store holding the defaults.
func NewStore(filePath string) *Store {
	s := &Store{filePath: filePath, data: Defaults()}
	c, err := Compile(s.data)
	if err != nil {
		panic(fmt.Sprintf("default settings: %v", err))
	}
	s.current.Store(c)
	return s
}

// Load reads settings from disk. A missing file keeps the defaults; keys
// absent from the file keep their default values.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}

	data := Defaults()
	if err := toml.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("parse %s: %w", s.filePath, err)
	}
	c, err := Compile(data)
	if err != nil {
		return fmt.Errorf("load %s: %w", s.filePath, err)
	}
	s.data = data
	s.current.Store(c)
	return nil
}

// Save writes the settings to disk.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked()
}

// saveLocked writes through a temp file so readers never see a partial file.
func (s *Store) saveLocked() error {
	raw, err := toml.Marshal(s.data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.filePath), 0755); err != nil {
		return err
	}
	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}

// Current returns the active compiled settings.
func (s *Store) Current() *Compiled {
	return s.current.Load()
}

// Get returns a copy of the stored settings.
func (s *Store) Get() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

// Update applies fn to a copy of the settings, compiles the result and only
// then makes it active and persists it. On error nothing changes.
func (s *Store) Update(fn func(*Settings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.data
	fn(&next)
	c, err := Compile(next)
	if err != nil {
		return err
	}
	s.data = next
	s.current.Store(c)
	return s.saveLocked()
}

// SetToken replaces the control token. An empty token disables auth.
func (s *Store) SetToken(token string) error {
	hash := ""
	if token != "" {
		h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		hash = string(h)
	}
	return s.Update(func(st *Settings) { st.TokenHash = hash })
}

// HasToken reports whether control requests need a token.
func (s *Store) HasToken() bool {
	return s.Current().TokenHash != ""
}

// VerifyToken checks token against the stored hash.
func (s *Store) VerifyToken(token string) bool {
	hash := s.Current().TokenHash
	if hash == "" {
		return true
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(token)) == nil
}
