package log

import (
	"reflect"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/keboola/go-utils/pkg/wildcards"
	"github.com/stretchr/testify/assert"

	"github.com/keboola/channel-distributer/internal/pkg/utils/errors"
)

// CompareJSONMessages checks that each expected JSON line matches an actual JSON line, in the same order.
// Actual lines may contain extra messages and extra fields.
// String values are compared using wildcards, for example "%s" or "%d".
func CompareJSONMessages(expected string, actual string) error {
	expectedLines, err := decodeJSONLines(expected)
	if err != nil {
		return errors.PrefixError(err, "invalid expected messages")
	}
	actualLines, err := decodeJSONLines(actual)
	if err != nil {
		return errors.PrefixError(err, "invalid actual messages")
	}

	next := 0
	for _, exp := range expectedLines {
		found := false
		for next < len(actualLines) {
			act := actualLines[next]
			next++
			if fieldsMatch(exp.fields, act.fields) {
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("Expected:\n-----\n%s\n-----\nActual:\n-----\n%s", exp.raw, strings.Trim(actual, "\n"))
		}
	}
	return nil
}

// AssertJSONMessages fails the test, if CompareJSONMessages returns an error.
func AssertJSONMessages(t assert.TestingT, expected string, actual string, msgAndArgs ...any) bool {
	if err := CompareJSONMessages(expected, actual); err != nil {
		return assert.Fail(t, err.Error(), msgAndArgs...)
	}
	return true
}

type jsonLine struct {
	raw    string
	fields map[string]any
}

func decodeJSONLines(str string) ([]jsonLine, error) {
	var out []jsonLine
	for _, raw := range strings.Split(strings.Trim(str, "\n"), "\n") {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		line := jsonLine{raw: raw}
		if err := jsoniter.UnmarshalFromString(raw, &line.fields); err != nil {
			return nil, errors.PrefixErrorf(err, "line is not a JSON object: %s", raw)
		}
		out = append(out, line)
	}
	return out, nil
}

func fieldsMatch(expected, actual map[string]any) bool {
	for key, expValue := range expected {
		actValue, ok := actual[key]
		if !ok {
			return false
		}
		if expStr, ok := expValue.(string); ok {
			actStr, ok := actValue.(string)
			if !ok || wildcards.Compare(expStr, actStr) != nil {
				return false
			}
		} else if !reflect.DeepEqual(expValue, actValue) {
			return false
		}
	}
	return true
}
