package status

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestWriterOutput(t *testing.T) {
	color.NoColor = true
	var buf bytes.Buffer
	s := NewWithWriter(&buf)

	s.Cycle(3, 10, "analysis")
	s.CycleDone(3, 10, 2, 1, 0, 1500*time.Millisecond)
	s.CycleFailed(4, errors.New("boom"), 5*time.Second)
	s.Stopped(4, "ceiling reached")

	out := buf.String()
	assert.Contains(t, out, "3/10 analysis")
	assert.Contains(t, out, "confirmed 2")
	assert.Contains(t, out, "rejected 1")
	assert.NotContains(t, out, "errors")
	assert.Contains(t, out, "cycle 4 failed")
	assert.Contains(t, out, "continuing in 5s")
	assert.Contains(t, out, "stopped after cycle 4: ceiling reached")
	assert.NotContains(t, out, "\033[A", "plain writers never redraw")
}

func TestProgressBar(t *testing.T) {
	color.NoColor = true
	assert.Equal(t, "██████████░░░░░░░░░░", progressBar(5, 10))
	assert.Equal(t, "████████████████████", progressBar(50, 10))
	assert.Equal(t, "░░░░░░░░░░░░░░░░░░░░", progressBar(1, 0))
}
