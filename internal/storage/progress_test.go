package storage

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressReaderReportsTotals(t *testing.T) {
	payload := strings.Repeat("x", 1000)
	var last, total int64
	r := newProgressReader(strings.NewReader(payload), 1000, func(done, t int64) {
		last, total = done, t
	})

	n, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), n)
	assert.Equal(t, int64(1000), last)
	assert.Equal(t, int64(1000), total)
}

func TestProgressReadSeekerRewindResetsCount(t *testing.T) {
	payload := bytes.NewReader([]byte("0123456789"))
	var last int64
	rs := newProgressReadSeeker(payload, 10, func(done, _ int64) { last = done })

	buf := make([]byte, 4)
	_, err := rs.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, int64(4), last)

	// Retried uploads seek back to the start; progress must not double-count.
	_, err = rs.Seek(0, io.SeekStart)
	require.NoError(t, err)

	n, err := io.Copy(io.Discard, io.Reader(rs))
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)
	assert.Equal(t, int64(10), last)
}

func TestProgressWriterNilCallbackPassthrough(t *testing.T) {
	var buf bytes.Buffer
	w := newProgressWriter(&buf, 5, nil)
	_, err := w.Write([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", buf.String())
}
