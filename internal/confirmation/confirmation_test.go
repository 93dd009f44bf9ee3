package confirmation

import (
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func promptRequest() Request {
	return Request{
		SourceID:   "prod",
		Host:       "db.internal:3306",
		RemotePath: "nightly/nightly-20260115-030000.tar.gz",
		Databases:  []string{"app", "sessions"},
	}
}

func TestConfirmApprove(t *testing.T) {
	var out strings.Builder
	p := NewWithStreams(strings.NewReader("y\n"), &out)

	ok, err := p.Confirm(promptRequest(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "will be overwritten")
	assert.Contains(t, out.String(), "app")
}

func TestConfirmDecline(t *testing.T) {
	for _, input := range []string{"n\n", "no\n", "\n"} {
		var out strings.Builder
		p := NewWithStreams(strings.NewReader(input), &out)

		ok, err := p.Confirm(promptRequest(), false)
		require.NoError(t, err)
		assert.False(t, ok, "input %q should decline", input)
	}
}

func TestConfirmAutoApproveSkipsPrompt(t *testing.T) {
	var out strings.Builder
	p := NewWithStreams(strings.NewReader(""), &out)

	ok, err := p.Confirm(promptRequest(), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Auto-approving")
	assert.NotContains(t, out.String(), "[y/N]")
}

func TestConfirmReprompsOnInvalidInput(t *testing.T) {
	var out strings.Builder
	p := NewWithStreams(strings.NewReader("maybe\ny\n"), &out)

	ok, err := p.Confirm(promptRequest(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Invalid input")
}

func TestSummaryWithoutDatabaseList(t *testing.T) {
	var out strings.Builder
	p := NewWithStreams(strings.NewReader("n\n"), &out)

	req := promptRequest()
	req.Databases = nil
	_, err := p.Confirm(req, false)
	require.NoError(t, err)
	assert.Contains(t, out.String(), "Databases contained in the artifact")
}
