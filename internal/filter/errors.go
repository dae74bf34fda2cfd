package filter

import "fmt"

// ConfigError is returned when user supplied configuration cannot be
// compiled. The previously active configuration stays in effect.
type ConfigError struct {
	// Source names the setting that was rejected.
	Source string
	Title  string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Source, e.Title, e.Detail)
}
