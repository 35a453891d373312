package labschema

import (
	"bytes"
	"fmt"

	"github.com/tidwall/gjson"
)

// Member is one key/value pair of a JSON object.
type Member struct {
	Key   string
	Value gjson.Result
}

// ParseDocument decodes a stored JSON document. A document that is itself a
// JSON string holding valid JSON is decoded once more; columns that stored
// json_encode output as text end up double encoded this way. ok is false when
// raw is not valid JSON.
func ParseDocument(raw []byte) (gjson.Result, bool) {
	trimmed := bytes.TrimSpace(raw)
	if !gjson.ValidBytes(trimmed) {
		return gjson.Result{}, false
	}
	doc := gjson.ParseBytes(trimmed)
	if doc.Type == gjson.String && gjson.Valid(doc.Str) {
		doc = gjson.Parse(doc.Str)
	}
	return doc, true
}

// Members lists an object's members in document order. A repeated key keeps
// its first position and takes the last value.
func Members(obj gjson.Result) []Member {
	if !obj.IsObject() {
		return nil
	}
	var out []Member
	index := make(map[string]int)
	obj.ForEach(func(k, v gjson.Result) bool {
		if i, ok := index[k.Str]; ok {
			out[i].Value = v
			return true
		}
		index[k.Str] = len(out)
		out = append(out, Member{Key: k.Str, Value: v})
		return true
	})
	return out
}

// member returns the last value stored under key.
func member(obj gjson.Result, key string) (gjson.Result, bool) {
	var found gjson.Result
	ok := false
	obj.ForEach(func(k, v gjson.Result) bool {
		if k.Str == key {
			found, ok = v, true
		}
		return true
	})
	return found, ok
}

// IsEmptyValue reports whether v is null, an empty string or an empty
// container.
func IsEmptyValue(v gjson.Result) bool {
	switch {
	case v.Type == gjson.Null:
		return true
	case v.Type == gjson.String:
		return v.Str == ""
	case v.IsArray():
		return len(v.Array()) == 0
	case v.IsObject():
		return len(Members(v)) == 0
	}
	return false
}

// ScalarText renders a scalar as written: strings unquoted, numbers
// verbatim, booleans as true/false and null as empty.
func ScalarText(v gjson.Result) (string, error) {
	switch v.Type {
	case gjson.Null:
		return "", nil
	case gjson.String:
		return v.Str, nil
	case gjson.Number, gjson.True, gjson.False:
		return v.Raw, nil
	}
	return "", fmt.Errorf("must be a scalar, got %s", kindName(v))
}

func kindName(v gjson.Result) string {
	switch v.Type {
	case gjson.Null:
		return "null"
	case gjson.True, gjson.False:
		return "bool"
	case gjson.Number:
		return "number"
	case gjson.String:
		return "string"
	}
	if v.IsArray() {
		return "array"
	}
	return "object"
}
