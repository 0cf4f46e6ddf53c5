// pkg/daemonsim/topic.go
package daemonsim

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter is returned for malformed pub/sub topic filters.
var ErrInvalidFilter = errors.New("invalid topic filter")

// ValidateFilter checks an MQTT-style filter: levels split on '/', '+' matches
// exactly one level and '#' matches any remaining levels and must come last.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		switch {
		case level == "#":
			if i != len(levels)-1 {
				return fmt.Errorf("%w: %q has '#' before the last level", ErrInvalidFilter, filter)
			}
		case level == "+":
		case strings.ContainsAny(level, "+#"):
			return fmt.Errorf("%w: %q mixes a wildcard into level %q", ErrInvalidFilter, filter, level)
		}
	}
	return nil
}

// ValidateTopic checks a concrete publish topic.
func ValidateTopic(topic string) error {
	if topic == "" || strings.ContainsAny(topic, "+#") {
		return fmt.Errorf("invalid topic %q", topic)
	}
	return nil
}

// MatchTopic reports whether topic matches filter. "a/#" also matches "a".
func MatchTopic(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, level := range f {
		if level == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
