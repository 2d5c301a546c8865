package util

import (
	"errors"
	"fmt"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

type m = map[string]any

type logCapture struct {
	Lines []string
}

func (lc *logCapture) Write(p []byte) (n int, err error) {
	lc.Lines = append(lc.Lines, string(p))
	return len(p), nil
}

func (lc *logCapture) Reset() {
	lc.Lines = lc.Lines[:0]
}

func newCaptureLogger() (*logrus.Logger, *logCapture) {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{
		DisableTimestamp: true,
		DisableColors:    true,
	}
	lc := &logCapture{}
	l.Out = lc
	return l, lc
}

func TestContextualError_Log(t *testing.T) {
	l, lc := newCaptureLogger()

	// Context, fields and a wrapped error
	lc.Reset()
	e := NewContextualError("Failed to size arena", m{"arena_mb": "-3"}, errors.New("negative size"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"Failed to size arena\" arena_mb=-3 error=\"negative size\"\n"}, lc.Lines)

	// No fields
	lc.Reset()
	e = NewContextualError("Failed to size arena", nil, errors.New("negative size"))
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"Failed to size arena\" error=\"negative size\"\n"}, lc.Lines)

	// No underlying error
	lc.Reset()
	e = NewContextualError("Failed to size arena", m{"arena_mb": "-3"}, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"Failed to size arena\" arena_mb=-3\n"}, lc.Lines)

	// Context only
	lc.Reset()
	e = NewContextualError("Failed to size arena", nil, nil)
	e.Log(l)
	assert.Equal(t, []string{"level=error msg=\"Failed to size arena\"\n"}, lc.Lines)
}

func TestLogWithContextIfNeeded(t *testing.T) {
	l, lc := newCaptureLogger()

	// A ContextualError keeps its own message; the fallback is dropped
	lc.Reset()
	e := NewContextualError("Failed to size arena", m{"arena_mb": "-3"}, errors.New("negative size"))
	LogWithContextIfNeeded("ignored fallback", e, l)
	assert.Equal(t, []string{"level=error msg=\"Failed to size arena\" arena_mb=-3 error=\"negative size\"\n"}, lc.Lines)

	// Plain errors get the fallback message
	lc.Reset()
	err := fmt.Errorf("page table update refused")
	LogWithContextIfNeeded("Failed to start", err, l)
	assert.Equal(t, []string{"level=error msg=\"Failed to start\" error=\"page table update refused\"\n"}, lc.Lines)
}

func TestContextualizeIfNeeded(t *testing.T) {
	// Already contextual: returned untouched
	e := NewContextualError("Failed to size arena", m{"arena_mb": "-3"}, errors.New("negative size"))
	assert.Same(t, e, ContextualizeIfNeeded("ignored fallback", e))

	// Plain errors get wrapped
	err := fmt.Errorf("page table update refused")
	cErr := ContextualizeIfNeeded("Failed to start", err)

	ce, ok := cErr.(*ContextualError)
	if !ok {
		t.Fatal("error was not wrapped")
	}
	assert.Equal(t, err, ce.RealError)
}
