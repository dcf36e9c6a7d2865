package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mevdschee/batchcopy/batchcopy"
)

func TestTextCopy(t *testing.T) {
	tests := []struct {
		stmt     string
		expected string
	}{
		{
			"COPY metrics (url, latency_ms) FROM STDIN (FORMAT binary)",
			`COPY "metrics" ("url", "latency_ms") FROM STDIN`,
		},
		{
			"COPY public.users (id, name) FROM STDIN",
			`COPY "public"."users" ("id", "name") FROM STDIN`,
		},
		{
			`COPY "Spot" FROM STDIN WITH CSV`,
			`COPY "Spot" FROM STDIN`,
		},
		{
			"COPY app.events FROM STDIN",
			`COPY "app"."events" FROM STDIN`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.stmt, func(t *testing.T) {
			got, err := textCopy(tt.stmt)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestTextCopy_Invalid(t *testing.T) {
	_, err := textCopy("SELECT 1")
	assert.ErrorIs(t, err, batchcopy.ErrStatement)
}

func TestTextValues(t *testing.T) {
	day := time.Date(2024, 5, 17, 23, 30, 0, 0, time.UTC)
	types := []batchcopy.ColumnType{
		batchcopy.ColumnJSONB,
		batchcopy.ColumnDate,
		batchcopy.ColumnBytea,
		batchcopy.ColumnTimestamptz,
		batchcopy.ColumnText,
	}
	values := []any{[]byte(`{"a":1}`), day, []byte{0xde, 0xad}, day, nil}

	args := textValues(types, values)

	assert.Equal(t, `{"a":1}`, args[0])
	assert.Equal(t, "2024-05-17", args[1])
	assert.Equal(t, []byte{0xde, 0xad}, args[2], "bytea stays binary")
	assert.Equal(t, day, args[3])
	assert.Nil(t, args[4])

	// The input is left untouched
	assert.Equal(t, []byte(`{"a":1}`), values[0])
}

func TestDriverRegistered(t *testing.T) {
	assert.Contains(t, batchcopy.Drivers(), DriverName)
}
