package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVetRejectsForbiddenImports(t *testing.T) {
	src := []byte(`package main

import (
	"net/http"
	"os/exec"
)

func main() {
	_, _ = http.Get("http://example.com")
	_ = exec.Command("ls")
}
`)
	violations, err := VetSource("strat.go", src)
	require.NoError(t, err)
	require.Len(t, violations, 2)
	assert.Contains(t, violations[0].Detail, "net/http")
	assert.Contains(t, violations[1].Detail, "os/exec")
}

func TestVetRejectsWallClock(t *testing.T) {
	src := []byte(`package main

import t "time"

func decide() t.Time { return t.Now() }
`)
	violations, err := VetSource("strat.go", src)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Contains(t, violations[0].Detail, "time.Now")
}

func TestVetAcceptsPureSource(t *testing.T) {
	src := []byte(`package main

import (
	"encoding/json"
	"time"
)

func decide(now time.Time) ([]byte, error) {
	return json.Marshal(now.Unix())
}
`)
	violations, err := VetSource("strat.go", src)
	require.NoError(t, err)
	assert.Empty(t, violations)
}

func TestVetReportsParseErrors(t *testing.T) {
	_, err := VetSource("strat.go", []byte("package {{{"))
	require.Error(t, err)
}

func TestVetCatchesImportSubtree(t *testing.T) {
	src := []byte(`package main

import "os/signal"

var _ = signal.Ignore
`)
	violations, err := VetSource("strat.go", src)
	require.NoError(t, err)
	// os/signal matches both the os prefix and its own entry.
	assert.NotEmpty(t, violations)
}
