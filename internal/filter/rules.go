package filter

import (
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/coffersTech/crashcat/internal/frame"
	"github.com/pelletier/go-toml/v2"
)

// LiveTarget is the reserved target name of live viewers. It is always
// snatched, and can only be removed by an ignore rule.
const LiveTarget = "\x00$live"

// SourceLogFilter is the settings key rule documents are reported under.
const SourceLogFilter = "log_filter"

// DefaultRules is the built-in rule document used when none is configured.
//
//go:embed default_rules.toml
var DefaultRules string

// TagMode says how a rule matches record tags.
type TagMode int

const (
	// MatchAll accepts every tag. Used when a rule has no tags field.
	MatchAll TagMode = iota
	// MatchNone rejects every tag. Used for an explicit empty list.
	MatchNone
	// MatchSet accepts the listed tags.
	MatchSet
)

// TagSet is the tag dimension of a rule.
type TagSet struct {
	Mode TagMode
	tags map[string]struct{}
}

// Contains reports whether tag is accepted.
func (s TagSet) Contains(tag string) bool {
	switch s.Mode {
	case MatchAll:
		return true
	case MatchSet:
		_, ok := s.tags[tag]
		return ok
	default:
		return false
	}
}

const allLevels = ^uint16(0)

// Rule is one compiled ignore or snatch entry. Nil patterns match all input.
type Rule struct {
	levels  uint16
	tags    TagSet
	message *Pattern
	source  *Pattern
	target  *Pattern
}

// Matches reports whether the rule applies to a record from source.
func (r *Rule) Matches(rec frame.Record, source string) bool {
	if r.levels&(1<<rec.Level) == 0 {
		return false
	}
	if !r.tags.Contains(rec.Tag) {
		return false
	}
	if !r.message.Find(rec.Message) {
		return false
	}
	return r.source.Find(source)
}

// TargetMatches reports whether the rule applies to the named target.
func (r *Rule) TargetMatches(target string) bool {
	return r.target.Find(target)
}

// RuleSet is an immutable compiled rule document.
type RuleSet struct {
	ignore []Rule
	snatch []Rule
	text   string
}

// Text returns the document the set was compiled from.
func (s *RuleSet) Text() string {
	return s.text
}

// Len returns the number of ignore and snatch rules.
func (s *RuleSet) Len() (ignore, snatch int) {
	return len(s.ignore), len(s.snatch)
}

// Select returns the names that should receive rec, which was logged by
// source. candidates holds the names currently being recorded.
//
// Snatch rules add matching candidates; the source itself (when recorded)
// and LiveTarget are always added. Ignore rules then remove names from
// that result. Rule order is irrelevant because each phase is a union.
func (s *RuleSet) Select(rec frame.Record, source string, candidates map[string]struct{}) map[string]struct{} {
	snatched := make(map[string]struct{}, 2)
	for i := range s.snatch {
		rule := &s.snatch[i]
		if !rule.Matches(rec, source) {
			continue
		}
		for name := range candidates {
			if rule.TargetMatches(name) {
				snatched[name] = struct{}{}
			}
		}
	}
	if _, ok := candidates[source]; ok {
		snatched[source] = struct{}{}
	}
	snatched[LiveTarget] = struct{}{}

	var ignored []string
	for i := range s.ignore {
		rule := &s.ignore[i]
		if !rule.Matches(rec, source) {
			continue
		}
		for name := range snatched {
			if rule.TargetMatches(name) {
				ignored = append(ignored, name)
			}
		}
	}
	for _, name := range ignored {
		delete(snatched, name)
	}
	return snatched
}

// rawRule mirrors one table of the rule document. Pointer fields tell an
// absent key from an empty value.
type rawRule struct {
	Level   *string   `toml:"level"`
	Tags    *[]string `toml:"tags"`
	Message *string   `toml:"message"`
	Source  *string   `toml:"source"`
	Target  *string   `toml:"target"`
}

type rawRuleSet struct {
	Ignore []rawRule `toml:"ignore"`
	Snatch []rawRule `toml:"snatch"`
}

// Compile parses a TOML rule document. Any error is a *ConfigError and no
// partially compiled set is returned.
func Compile(text string) (*RuleSet, error) {
	var raw rawRuleSet
	dec := toml.NewDecoder(strings.NewReader(text))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&raw); err != nil {
		return nil, tomlError(err)
	}

	ignore, err := compileRules("ignore", raw.Ignore)
	if err != nil {
		return nil, err
	}
	snatch, err := compileRules("snatch", raw.Snatch)
	if err != nil {
		return nil, err
	}
	return &RuleSet{ignore: ignore, snatch: snatch, text: text}, nil
}

// Default compiles DefaultRules.
func Default() *RuleSet {
	rs, err := Compile(DefaultRules)
	if err != nil {
		panic(fmt.Sprintf("default rules: %v", err))
	}
	return rs
}

func compileRules(section string, raws []rawRule) ([]Rule, error) {
	rules := make([]Rule, 0, len(raws))
	for i, raw := range raws {
		rule, err := raw.compile()
		if err != nil {
			var ce *ConfigError
			if errors.As(err, &ce) {
				ce.Detail = fmt.Sprintf("%s[%d]: %s", section, i, ce.Detail)
			}
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (raw rawRule) compile() (Rule, error) {
	rule := Rule{levels: parseLevelMask(raw.Level)}

	if raw.Tags != nil {
		if len(*raw.Tags) == 0 {
			rule.tags = TagSet{Mode: MatchNone}
		} else {
			set := make(map[string]struct{}, len(*raw.Tags))
			for _, tag := range *raw.Tags {
				set[tag] = struct{}{}
			}
			rule.tags = TagSet{Mode: MatchSet, tags: set}
		}
	}

	var err error
	if rule.message, err = optionalPattern(raw.Message); err != nil {
		return Rule{}, err
	}
	if rule.source, err = optionalPattern(raw.Source); err != nil {
		return Rule{}, err
	}
	if rule.target, err = optionalPattern(raw.Target); err != nil {
		return Rule{}, err
	}
	return rule, nil
}

func optionalPattern(expr *string) (*Pattern, error) {
	if expr == nil {
		return nil, nil
	}
	return CompilePattern(SourceLogFilter, *expr)
}

// parseLevelMask converts level letters to a bitmask over frame.Level.
// Absent or "*" selects every level. Unknown letters are skipped, so an
// empty string matches nothing.
func parseLevelMask(level *string) uint16 {
	if level == nil {
		return allLevels
	}
	var mask uint16
	for _, c := range *level {
		switch c {
		case 'V', 'v':
			mask |= 1 << frame.LevelTrace
		case 'D', 'd':
			mask |= 1 << frame.LevelDebug
		case 'I', 'i':
			mask |= 1 << frame.LevelInfo
		case 'W', 'w':
			mask |= 1 << frame.LevelWarn
		case 'E', 'e':
			mask |= 1 << frame.LevelError
		case 'F', 'f', 'A', 'a':
			mask |= 1 << frame.LevelFatal
		case '*':
			return allLevels
		}
	}
	return mask
}

func tomlError(err error) error {
	var de *toml.DecodeError
	if errors.As(err, &de) {
		return &ConfigError{Source: SourceLogFilter, Title: "Invalid TOML", Detail: de.String()}
	}
	var se *toml.StrictMissingError
	if errors.As(err, &se) {
		return &ConfigError{Source: SourceLogFilter, Title: "Unknown rule field", Detail: se.String()}
	}
	return &ConfigError{Source: SourceLogFilter, Title: "Invalid rule document", Detail: err.Error()}
}
