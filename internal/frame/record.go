package frame

import (
	"strings"
	"time"
)

// Level is the severity of a record, decoded from the wire priority byte.
type Level uint8

const (
	LevelUnknown Level = iota
	LevelTrace
	LevelDebug
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

// Wire priorities as written by the device logger.
const (
	priorityVerbose = 2
	priorityDebug   = 3
	priorityInfo    = 4
	priorityWarn    = 5
	priorityError   = 6
	priorityAssert  = 7
)

// Levels lists every known severity, lowest first.
var Levels = []Level{LevelTrace, LevelDebug, LevelInfo, LevelWarn, LevelError, LevelFatal}

// LevelFromPriority converts a wire priority byte to a Level.
func LevelFromPriority(p uint8) Level {
	switch p {
	case priorityVerbose:
		return LevelTrace
	case priorityDebug:
		return LevelDebug
	case priorityInfo:
		return LevelInfo
	case priorityWarn:
		return LevelWarn
	case priorityError:
		return LevelError
	case priorityAssert:
		return LevelFatal
	default:
		return LevelUnknown
	}
}

// Priority converts a Level back to its wire priority byte.
func (l Level) Priority() uint8 {
	switch l {
	case LevelTrace:
		return priorityVerbose
	case LevelDebug:
		return priorityDebug
	case LevelInfo:
		return priorityInfo
	case LevelWarn:
		return priorityWarn
	case LevelError:
		return priorityError
	case LevelFatal:
		return priorityAssert
	default:
		return 0
	}
}

// Char returns the single-letter form used in rendered logs.
func (l Level) Char() byte {
	switch l {
	case LevelTrace:
		return 'V'
	case LevelDebug:
		return 'D'
	case LevelInfo:
		return 'I'
	case LevelWarn:
		return 'W'
	case LevelError:
		return 'E'
	case LevelFatal:
		return 'F'
	default:
		return '?'
	}
}

func (l Level) String() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a level name to a Level. Unknown names map to LevelUnknown.
func ParseLevel(s string) Level {
	switch strings.ToUpper(s) {
	case "TRACE", "VERBOSE", "V":
		return LevelTrace
	case "DEBUG", "D":
		return LevelDebug
	case "INFO", "I":
		return LevelInfo
	case "WARN", "WARNING", "W":
		return LevelWarn
	case "ERROR", "E":
		return LevelError
	case "FATAL", "ASSERT", "F", "A":
		return LevelFatal
	default:
		return LevelUnknown
	}
}

// Record is a single decoded log frame.
//
// The strings are independent of any read buffer. Payload is owned by the
// Record that the Reader returned, so callers forwarding a Record to another
// goroutine should hand over a Clone.
type Record struct {
	Pid     int32
	Tid     int32
	Sec     int32
	Nsec    int32
	Level   Level
	Tag     string
	Message string

	// Payload is the raw frame payload: priority byte, tag, NUL, message, NUL.
	Payload []byte
}

// Time returns the record timestamp.
func (r Record) Time() time.Time {
	return time.Unix(int64(r.Sec), int64(r.Nsec))
}

// UnixMilli returns the record timestamp in milliseconds.
func (r Record) UnixMilli() int64 {
	return int64(r.Sec)*1000 + int64(r.Nsec)/1_000_000
}

// Clone returns a deep copy that shares no memory with r.
func (r Record) Clone() Record {
	c := r
	if r.Payload != nil {
		c.Payload = append([]byte(nil), r.Payload...)
	}
	return c
}

// NewRecord builds a Record and its raw payload from structured fields.
func NewRecord(pid, tid int32, ts time.Time, level Level, tag, message string) Record {
	payload := make([]byte, 0, len(tag)+len(message)+3)
	payload = append(payload, level.Priority())
	payload = append(payload, tag...)
	payload = append(payload, 0)
	payload = append(payload, message...)
	payload = append(payload, 0)
	return Record{
		Pid:     pid,
		Tid:     tid,
		Sec:     int32(ts.Unix()),
		Nsec:    int32(ts.Nanosecond()),
		Level:   level,
		Tag:     tag,
		Message: message,
		Payload: payload,
	}
}
