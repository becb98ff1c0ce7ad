package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExport(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []*Record{
		testRecord("r1", base, EventRoleCreated, OutcomeSuccess),
		testRecord("r2", base.Add(time.Second), EventAccessChecked, OutcomeDenied),
	}

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatJSON, records))
		var decoded []*Record
		require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
		assert.Len(t, decoded, 2)
	})

	t.Run("empty json is an array", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatJSON, nil))
		assert.Equal(t, "[]", strings.TrimSpace(buf.String()))
	})

	t.Run("ndjson", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatNDJSON, records))
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		assert.Len(t, lines, 2)
	})

	t.Run("csv", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Export(&buf, ExportFormatCSV, records))
		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, "EventType", rows[0][2])
		assert.Equal(t, "denied", rows[2][3])
	})

	t.Run("unknown format", func(t *testing.T) {
		assert.Error(t, Export(&bytes.Buffer{}, "xml", records))
	})
}

func TestExportStore(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()
	require.NoError(t, sink.Append(ctx, testRecord("r1", time.Now(), EventRoleCreated, OutcomeSuccess)))

	var buf bytes.Buffer
	n, err := ExportStore(ctx, sink, Filter{}, ExportFormatNDJSON, &buf)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Contains(t, buf.String(), `"id":"r1"`)
}
