package extract

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/dgallion1/docanalyst/internal/docerr"
)

// Violation is one field the response got wrong.
type Violation = docerr.Violation

var (
	fencePattern = regexp.MustCompile("(?s)^\\s*```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?\\s*```\\s*$")
	isoDate      = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	listSplit    = regexp.MustCompile(`\s*[,;\n]\s*`)
)

// Layouts accepted when coercing an optional date.
var dateLayouts = []string{
	DateLayout,
	"2006/01/02",
	"2006.01.02",
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"2 Jan 2006",
	"02 Jan 2006",
	"January 2 2006",
}

// parseObject pulls a JSON object out of a model response: markdown code
// fences are stripped and, failing a direct parse, the outermost {...}
// span is tried. Numbers are kept as json.Number.
func parseObject(raw string) (map[string]any, error) {
	text := strings.TrimSpace(raw)
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		text = strings.TrimSpace(m[1])
	}
	obj, err := decodeObject(text)
	if err == nil {
		return obj, nil
	}
	start, end := strings.Index(text, "{"), strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, err
	}
	return decodeObject(text[start : end+1])
}

func decodeObject(text string) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(text))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, errors.New("response is null, want a JSON object")
	}
	if dec.More() {
		return nil, errors.New("trailing data after JSON object")
	}
	return obj, nil
}

// Validate parses raw and checks it against schema. Required fields must
// already have the right shape; optional fields are coerced where the
// intent is unambiguous. Unknown keys are ignored. The result is nil when
// there are violations.
func Validate(raw string, schema Schema) (*Result, []Violation) {
	obj, err := parseObject(raw)
	if err != nil {
		return nil, []Violation{{Reason: fmt.Sprintf("response is not a JSON object: %v", err)}}
	}

	res := newResult(len(schema.Fields))
	var violations []Violation
	for _, f := range schema.Fields {
		v, reason := checkField(f, obj)
		if reason != "" {
			violations = append(violations, Violation{Field: f.Name, Reason: reason})
			continue
		}
		res.set(f.Name, v)
	}
	if len(violations) > 0 {
		return nil, violations
	}
	return res, nil
}

func checkField(f Field, obj map[string]any) (Value, string) {
	raw, ok := obj[f.Name]
	if !ok || raw == nil {
		if f.Required {
			return Value{}, "required field is missing"
		}
		return Value{Type: f.Type}, ""
	}
	if f.Required {
		return strict(f, raw)
	}
	return coerce(f, raw)
}

func strict(f Field, raw any) (Value, string) {
	v := Value{Type: f.Type, Present: true}
	switch f.Type {
	case TypeString:
		s, ok := raw.(string)
		if !ok {
			return v, fmt.Sprintf("expected a string, got %s", jsonKind(raw))
		}
		if strings.TrimSpace(s) == "" {
			return v, "required string is empty"
		}
		v.String = s

	case TypeListOfString:
		arr, ok := raw.([]any)
		if !ok {
			return v, fmt.Sprintf("expected a list of strings, got %s", jsonKind(raw))
		}
		if len(arr) == 0 {
			return v, "required list is empty"
		}
		v.List = make([]string, len(arr))
		for i, item := range arr {
			s, ok := item.(string)
			if !ok {
				return v, fmt.Sprintf("item %d: expected a string, got %s", i, jsonKind(item))
			}
			v.List[i] = s
		}

	case TypeInteger:
		n, ok := raw.(json.Number)
		if !ok {
			return v, fmt.Sprintf("expected an integer, got %s", jsonKind(raw))
		}
		i, err := n.Int64()
		if err != nil {
			return v, fmt.Sprintf("expected an integer, got %s", n)
		}
		v.Int = i

	case TypeDate:
		s, ok := raw.(string)
		if !ok || !isoDate.MatchString(s) {
			return v, fmt.Sprintf("expected a date in YYYY-MM-DD format, got %s", describeValue(raw))
		}
		if _, err := time.Parse(DateLayout, s); err != nil {
			return v, fmt.Sprintf("invalid date %q", s)
		}
		v.String = s

	case TypeEnum:
		s, ok := raw.(string)
		if !ok || !slices.Contains(f.Enum, s) {
			return v, fmt.Sprintf("expected one of %s, got %s", quoteAll(f.Enum), describeValue(raw))
		}
		v.String = s

	case TypeRecordList:
		arr, ok := raw.([]any)
		if !ok {
			return v, fmt.Sprintf("expected a list of objects, got %s", jsonKind(raw))
		}
		if len(arr) == 0 {
			return v, "required list is empty"
		}
		return records(f, v, arr)
	}
	return v, ""
}

// records checks every item of a record list against the item fields and
// reports the first problem.
func records(f Field, v Value, arr []any) (Value, string) {
	v.Records = make([]*Result, len(arr))
	for i, item := range arr {
		obj, ok := item.(map[string]any)
		if !ok {
			return v, fmt.Sprintf("item %d: expected an object, got %s", i, jsonKind(item))
		}
		rec := newResult(len(f.Items))
		for _, sub := range f.Items {
			sv, reason := checkField(sub, obj)
			if reason != "" {
				return v, fmt.Sprintf("item %d: %q: %s", i, sub.Name, reason)
			}
			rec.set(sub.Name, sv)
		}
		v.Records[i] = rec
	}
	return v, ""
}

func coerce(f Field, raw any) (Value, string) {
	v := Value{Type: f.Type, Present: true}
	switch f.Type {
	case TypeString:
		s, ok := scalarString(raw)
		if !ok {
			return v, fmt.Sprintf("expected a string, got %s", jsonKind(raw))
		}
		v.String = s

	case TypeListOfString:
		switch x := raw.(type) {
		case []any:
			v.List = make([]string, 0, len(x))
			for i, item := range x {
				s, ok := scalarString(item)
				if !ok {
					return v, fmt.Sprintf("item %d: expected a string, got %s", i, jsonKind(item))
				}
				v.List = append(v.List, s)
			}
		case string:
			v.List = splitList(x)
		default:
			return v, fmt.Sprintf("expected a list of strings, got %s", jsonKind(raw))
		}

	case TypeInteger:
		i, ok := toInt(raw)
		if !ok {
			return v, fmt.Sprintf("expected an integer, got %s", describeValue(raw))
		}
		v.Int = i

	case TypeDate:
		s, ok := raw.(string)
		if !ok {
			return v, fmt.Sprintf("expected a date, got %s", jsonKind(raw))
		}
		d, ok := normalizeDate(s)
		if !ok {
			return v, fmt.Sprintf("unrecognised date %q", s)
		}
		v.String = d

	case TypeEnum:
		s, ok := raw.(string)
		if !ok {
			return v, fmt.Sprintf("expected one of %s, got %s", quoteAll(f.Enum), jsonKind(raw))
		}
		canon, ok := matchEnum(f.Enum, s)
		if !ok {
			return v, fmt.Sprintf("expected one of %s, got %q", quoteAll(f.Enum), s)
		}
		v.String = canon

	case TypeRecordList:
		switch x := raw.(type) {
		case []any:
			return records(f, v, x)
		case map[string]any:
			return records(f, v, []any{x})
		default:
			return v, fmt.Sprintf("expected a list of objects, got %s", jsonKind(raw))
		}
	}
	return v, ""
}

func scalarString(raw any) (string, bool) {
	switch x := raw.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		return strconv.FormatBool(x), true
	}
	return "", false
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range listSplit.Split(strings.TrimSpace(s), -1) {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func toInt(raw any) (int64, bool) {
	var text string
	switch x := raw.(type) {
	case json.Number:
		text = x.String()
	case string:
		text = strings.ReplaceAll(strings.TrimSpace(x), ",", "")
	default:
		return 0, false
	}
	if i, err := strconv.ParseInt(text, 10, 64); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(text, 64)
	// float64(math.MaxInt64) rounds up to 2^63, which int64 cannot hold.
	if err != nil || f != math.Trunc(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func normalizeDate(s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format(DateLayout), true
		}
	}
	return "", false
}

func matchEnum(values []string, s string) (string, bool) {
	s = strings.TrimSpace(s)
	for _, v := range values {
		if strings.EqualFold(v, s) {
			return v, true
		}
	}
	return "", false
}

func jsonKind(raw any) string {
	switch raw.(type) {
	case nil:
		return "null"
	case string:
		return "a string"
	case json.Number:
		return "a number"
	case bool:
		return "a boolean"
	case []any:
		return "a list"
	case map[string]any:
		return "an object"
	}
	return fmt.Sprintf("%T", raw)
}

func describeValue(raw any) string {
	switch x := raw.(type) {
	case string:
		return strconv.Quote(x)
	case json.Number:
		return x.String()
	}
	return jsonKind(raw)
}
