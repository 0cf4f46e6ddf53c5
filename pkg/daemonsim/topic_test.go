package daemonsim

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchTopic(t *testing.T) {
	cases := []struct {
		filter, topic string
		want          bool
	}{
		{"telemetry/#", "telemetry/cpu", true},
		{"telemetry/#", "telemetry/cpu/core0", true},
		{"telemetry/#", "telemetry", true},
		{"telemetry/#", "metrics/cpu", false},
		{"telemetry/+", "telemetry/cpu", true},
		{"telemetry/+", "telemetry/cpu/core0", false},
		{"telemetry/+/core0", "telemetry/cpu/core0", true},
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", false},
		{"a/b/c", "a/b", false},
		{"#", "anything/at/all", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, MatchTopic(tc.filter, tc.topic), "%s vs %s", tc.filter, tc.topic)
	}
}

func TestValidateFilter(t *testing.T) {
	for _, ok := range []string{"a", "a/+/c", "a/#", "#", "+"} {
		assert.NoError(t, ValidateFilter(ok), ok)
	}
	for _, bad := range []string{"", "a/#/c", "a+/b", "a/b#"} {
		assert.ErrorIs(t, ValidateFilter(bad), ErrInvalidFilter, bad)
	}
	assert.Error(t, ValidateTopic("a/+"))
	assert.NoError(t, ValidateTopic("a/b"))
}
