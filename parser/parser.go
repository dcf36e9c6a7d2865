package parser

import (
	"errors"
	"regexp"
	"strings"
)

// Format is the data format named in a COPY statement
type Format int

const (
	FormatText Format = iota
	FormatCSV
	FormatBinary
)

// String returns the COPY option spelling of the format
func (f Format) String() string {
	switch f {
	case FormatCSV:
		return "csv"
	case FormatBinary:
		return "binary"
	default:
		return "text"
	}
}

// ErrNotCopy is returned when a statement is not a COPY ... FROM STDIN
var ErrNotCopy = errors.New("not a COPY ... FROM STDIN statement")

// CopyStatement contains extracted information from a COPY statement
type CopyStatement struct {
	Schema  string   // Empty when the table is not schema qualified
	Table   string   // Table name, unquoted
	Columns []string // Column list, empty means all columns in table order
	Format  Format
}

const ident = `(?:"(?:[^"]|"")+"|[A-Za-z_][A-Za-z0-9_$]*)`

var (
	// Match /* ... */ comments, they may carry hints and are not part of the statement
	commentRegex = regexp.MustCompile(`(?s)/\*.*?\*/`)
	// Match COPY [schema.]table [(columns)] FROM STDIN [options]
	copyRegex = regexp.MustCompile(`(?is)^\s*COPY\s+(` + ident + `)(?:\s*\.\s*(` + ident + `))?\s*(?:\(((?:"(?:[^"]|"")*"|[^")])*)\))?\s+FROM\s+STDIN\b(.*)$`)
	// Match a single identifier and a comma separated identifier list
	identRegex   = regexp.MustCompile(ident)
	columnsRegex = regexp.MustCompile(`^\s*` + ident + `\s*(?:,\s*` + ident + `\s*)*$`)
	// Match FORMAT binary, FORMAT 'csv' and the legacy BINARY / CSV keywords
	formatRegex = regexp.MustCompile(`(?i)\bFORMAT\s+'?([a-z]+)'?`)
	legacyRegex = regexp.MustCompile(`(?i)\b(BINARY|CSV)\b`)
	// Match query type (allows comments before keyword)
	selectRegex = regexp.MustCompile(`(?i)^\s*(SELECT|WITH)\b`)
)

// ParseCopy extracts the target table, columns and format from a COPY statement
func ParseCopy(query string) (*CopyStatement, error) {
	stripped := strings.TrimSpace(commentRegex.ReplaceAllString(query, ""))
	stripped = strings.TrimSuffix(stripped, ";")

	matches := copyRegex.FindStringSubmatch(stripped)
	if matches == nil {
		return nil, ErrNotCopy
	}

	c := &CopyStatement{}
	if matches[2] != "" {
		c.Schema = unquote(matches[1])
		c.Table = unquote(matches[2])
	} else {
		c.Table = unquote(matches[1])
	}

	if list := strings.TrimSpace(matches[3]); list != "" {
		if !columnsRegex.MatchString(list) {
			return nil, ErrNotCopy
		}
		for _, col := range identRegex.FindAllString(list, -1) {
			c.Columns = append(c.Columns, unquote(col))
		}
	}

	options := matches[4]
	if m := formatRegex.FindStringSubmatch(options); m != nil {
		c.Format = parseFormat(m[1])
	} else if m := legacyRegex.FindStringSubmatch(options); m != nil {
		c.Format = parseFormat(m[1])
	}

	return c, nil
}

// Name returns the table name, schema qualified when a schema was given
func (c *CopyStatement) Name() string {
	if c.Schema == "" {
		return c.Table
	}
	return c.Schema + "." + c.Table
}

// IsSelect returns true if query is a read statement usable as a pre-flight check
func IsSelect(query string) bool {
	return selectRegex.MatchString(commentRegex.ReplaceAllString(query, ""))
}

func parseFormat(s string) Format {
	switch strings.ToLower(s) {
	case "binary":
		return FormatBinary
	case "csv":
		return FormatCSV
	default:
		return FormatText
	}
}

// unquote strips double quotes from a quoted identifier and folds unquoted
// identifiers to lower case like PostgreSQL does
func unquote(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return strings.ReplaceAll(s[1:len(s)-1], `""`, `"`)
	}
	return strings.ToLower(s)
}
