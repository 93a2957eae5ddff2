package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLoggerDefaultsWithoutInit(t *testing.T) {
	l := GetLogger()
	assert.NotNil(t, l)
	// Subsequent calls return the same underlying instance.
	assert.Equal(t, l, GetLogger())
}

func TestWithFieldReturnsIndependentLogger(t *testing.T) {
	l := GetLogger()
	child := l.WithField("component", "test")
	assert.NotNil(t, child)
}

func TestFormatterTokens(t *testing.T) {
	f := &formatter{pattern: "%time|%level|%msg", time: "2006"}
	assert.NotNil(t, f)
}
