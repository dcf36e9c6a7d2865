package batchcopy

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

// Row translates a record type to PostgreSQL COPY details.
//
// CheckStatement, CopyStatement and ColumnTypes describe the record type and
// are read once from its zero value, so they must not depend on instance
// state. CopyValues returns the ordered column values of one record, in the
// order of ColumnTypes.
type Row interface {
	// CheckStatement is run once at construction and must succeed and return
	// zero rows, e.g. "SELECT a, b FROM testtable LIMIT 0".
	CheckStatement() string
	// CopyStatement opens the bulk load, e.g.
	// "COPY testtable (a, b) FROM STDIN (FORMAT binary)".
	CopyStatement() string
	ColumnTypes() []ColumnType
	CopyValues() ([]any, error)
}

// ColumnType tags the PostgreSQL type of a COPY column
type ColumnType int

const (
	ColumnUnknown ColumnType = iota
	ColumnBool
	ColumnInt2
	ColumnInt4
	ColumnInt8
	ColumnFloat4
	ColumnFloat8
	ColumnNumeric
	ColumnText
	ColumnVarchar
	ColumnBytea
	ColumnDate
	ColumnTimestamp
	ColumnTimestamptz
	ColumnUUID
	ColumnJSON
	ColumnJSONB
)

var columnTypeNames = map[ColumnType]string{
	ColumnBool:        "bool",
	ColumnInt2:        "int2",
	ColumnInt4:        "int4",
	ColumnInt8:        "int8",
	ColumnFloat4:      "float4",
	ColumnFloat8:      "float8",
	ColumnNumeric:     "numeric",
	ColumnText:        "text",
	ColumnVarchar:     "varchar",
	ColumnBytea:       "bytea",
	ColumnDate:        "date",
	ColumnTimestamp:   "timestamp",
	ColumnTimestamptz: "timestamptz",
	ColumnUUID:        "uuid",
	ColumnJSON:        "json",
	ColumnJSONB:       "jsonb",
}

// String returns the PostgreSQL type name
func (t ColumnType) String() string {
	if name, ok := columnTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// Valid returns true for known column types
func (t ColumnType) Valid() bool {
	_, ok := columnTypeNames[t]
	return ok
}

// EncodeRow checks values against types and normalizes every value to the
// canonical Go type of its column:
//
//	bool                      bool
//	int2, int4, int8          int16, int32, int64
//	float4, float8            float32, float64
//	numeric                   string
//	text, varchar             string
//	bytea, json, jsonb        []byte
//	date, timestamp(tz)       time.Time
//	uuid                      uuid.UUID
//
// A nil value (or nil pointer) encodes as SQL NULL.
func EncodeRow(types []ColumnType, values []any) ([]any, error) {
	if len(values) != len(types) {
		return nil, fmt.Errorf("%w: %d values for %d columns", ErrColumnCount, len(values), len(types))
	}

	out := make([]any, len(values))
	for i, v := range values {
		enc, err := encodeValue(types[i], v)
		if err != nil {
			return nil, fmt.Errorf("column %d: %w", i, err)
		}
		out[i] = enc
	}
	return out, nil
}

func encodeValue(t ColumnType, v any) (any, error) {
	orig := v
	v, isNull := deref(v)
	if isNull {
		return nil, nil
	}

	switch t {
	case ColumnBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case ColumnInt2:
		if n, ok := toInt64(v); ok && n >= math.MinInt16 && n <= math.MaxInt16 {
			return int16(n), nil
		}
	case ColumnInt4:
		if n, ok := toInt64(v); ok && n >= math.MinInt32 && n <= math.MaxInt32 {
			return int32(n), nil
		}
	case ColumnInt8:
		if n, ok := toInt64(v); ok {
			return n, nil
		}
	case ColumnFloat4:
		if f, ok := toFloat64(v); ok {
			return float32(f), nil
		}
	case ColumnFloat8:
		if f, ok := toFloat64(v); ok {
			return f, nil
		}
	case ColumnNumeric:
		switch n := v.(type) {
		case string:
			if validNumeric(n) {
				return n, nil
			}
		case json.Number:
			if validNumeric(n.String()) {
				return n.String(), nil
			}
		default:
			if i, ok := toInt64(v); ok {
				return strconv.FormatInt(i, 10), nil
			}
			if f, ok := toFloat64(v); ok {
				if s := strconv.FormatFloat(f, 'f', -1, 64); validNumeric(s) {
					return s, nil
				}
				break
			}
			// *big.Int prints as a decimal
			if st, ok := orig.(fmt.Stringer); ok && validNumeric(st.String()) {
				return st.String(), nil
			}
		}
	case ColumnText, ColumnVarchar:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
		// String may be declared on the pointer only
		if st, ok := orig.(fmt.Stringer); ok {
			return st.String(), nil
		}
	case ColumnBytea:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case ColumnDate, ColumnTimestamp, ColumnTimestamptz:
		if tm, ok := v.(time.Time); ok {
			return tm, nil
		}
	case ColumnUUID:
		switch u := v.(type) {
		case uuid.UUID:
			return u, nil
		case [16]byte:
			return uuid.UUID(u), nil
		case string:
			if parsed, err := uuid.Parse(u); err == nil {
				return parsed, nil
			}
		case []byte:
			if parsed, err := uuid.FromBytes(u); err == nil {
				return parsed, nil
			}
		}
	case ColumnJSON, ColumnJSONB:
		switch j := v.(type) {
		case json.RawMessage:
			if json.Valid(j) {
				return []byte(j), nil
			}
		case []byte:
			if json.Valid(j) {
				return j, nil
			}
		case string:
			if json.Valid([]byte(j)) {
				return []byte(j), nil
			}
		default:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrColumnType, t, err)
			}
			return b, nil
		}
	}

	return nil, fmt.Errorf("%w: cannot encode %T as %s", ErrColumnType, v, t)
}

// deref follows pointers, reporting nil values as NULL
// validNumeric reports whether s is a plain decimal, NaN or [-]Infinity
func validNumeric(s string) bool {
	var n pgtype.Numeric
	return n.Scan(s) == nil
}

func deref(v any) (any, bool) {
	if v == nil {
		return nil, true
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, true
		}
		rv = rv.Elem()
	}
	return rv.Interface(), false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) <= math.MaxInt64 {
			return int64(n), true
		}
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	}
	return 0, false
}

func toFloat64(v any) (float64, bool) {
	switch f := v.(type) {
	case float32:
		return float64(f), true
	case float64:
		return f, true
	}
	if n, ok := toInt64(v); ok {
		return float64(n), true
	}
	return 0, false
}
