package search

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Supported jq subset over job data:
//
//	.a.b == 1    .a != "x"    .a >= 2.5    .a == true    .a == null
//	.a | startswith("x")    .tags | contains("x")    .items | length > 2
var (
	reDataCmp      = regexp.MustCompile(`^\.(\w+(?:\.\w+)*)\s*(==|!=|>=|<=|>|<)\s*(.+)$`)
	reDataPrefix   = regexp.MustCompile(`^\.(\w+(?:\.\w+)*)\s*\|\s*startswith\(\s*"([^"]*)"\s*\)$`)
	reDataContains = regexp.MustCompile(`^\.(\w+(?:\.\w+)*)\s*\|\s*contains\(\s*"([^"]*)"\s*\)$`)
	reDataLength   = regexp.MustCompile(`^\.(\w+(?:\.\w+)*)\s*\|\s*length\s*(==|!=|>=|<=|>|<)\s*([0-9]+)$`)
)

type literalKind int

const (
	literalNull literalKind = iota
	literalBool
	literalString
	literalNumber
)

func translateDataJQ(expr string) (string, []any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return "", nil, fmt.Errorf("data_jq is empty")
	}

	if m := reDataPrefix.FindStringSubmatch(expr); m != nil {
		return "CAST(json_extract(j.data, ?) AS TEXT) LIKE ? || '%'", []any{"$." + m[1], m[2]}, nil
	}
	if m := reDataContains.FindStringSubmatch(expr); m != nil {
		return "EXISTS (SELECT 1 FROM json_each(json_extract(j.data, ?)) WHERE CAST(value AS TEXT) = ?)",
			[]any{"$." + m[1], m[2]}, nil
	}
	if m := reDataLength.FindStringSubmatch(expr); m != nil {
		n, _ := strconv.Atoi(m[3])
		return fmt.Sprintf("COALESCE(json_array_length(json_extract(j.data, ?)), 0) %s ?", sqlOp(m[2])),
			[]any{"$." + m[1], n}, nil
	}
	m := reDataCmp.FindStringSubmatch(expr)
	if m == nil {
		return "", nil, fmt.Errorf("unsupported data_jq expression %q", expr)
	}
	path, op := "$."+m[1], sqlOp(m[2])
	value, kind, err := parseDataLiteral(m[3])
	if err != nil {
		return "", nil, err
	}
	switch kind {
	case literalNumber:
		return fmt.Sprintf("CAST(json_extract(j.data, ?) AS REAL) %s ?", op), []any{path, value}, nil
	case literalString:
		return fmt.Sprintf("CAST(json_extract(j.data, ?) AS TEXT) %s ?", op), []any{path, value}, nil
	case literalBool:
		// json_extract yields 0/1 for booleans.
		return fmt.Sprintf("CAST(json_extract(j.data, ?) AS INTEGER) %s ?", op), []any{path, value}, nil
	default:
		switch m[2] {
		case "==":
			return "json_extract(j.data, ?) IS NULL", []any{path}, nil
		case "!=":
			return "json_extract(j.data, ?) IS NOT NULL", []any{path}, nil
		}
		return "", nil, fmt.Errorf("data_jq null only supports == and !=")
	}
}

func sqlOp(op string) string {
	if op == "==" {
		return "="
	}
	return op
}

func parseDataLiteral(raw string) (any, literalKind, error) {
	raw = strings.TrimSpace(raw)
	switch raw {
	case "null":
		return nil, literalNull, nil
	case "true":
		return 1, literalBool, nil
	case "false":
		return 0, literalBool, nil
	}
	if strings.HasPrefix(raw, `"`) {
		var out string
		if err := json.Unmarshal([]byte(raw), &out); err != nil {
			return nil, 0, fmt.Errorf("invalid data_jq string literal: %w", err)
		}
		return out, literalString, nil
	}
	if n, err := strconv.ParseFloat(raw, 64); err == nil {
		return n, literalNumber, nil
	}
	return nil, 0, fmt.Errorf("invalid data_jq literal %q", raw)
}
