package fetch

import (
	"fmt"
	"strings"

	"github.com/BartekS5/tabsync/pkg/utils"
)

// Lookup walks a dotted path like "data.total" into a decoded body. An
// empty path returns the body itself.
func Lookup(body any, path string) (any, bool) {
	cur := body
	if path == "" {
		return cur, true
	}
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		if cur, ok = obj[part]; !ok {
			return nil, false
		}
	}
	return cur, true
}

// RecordsAt walks a dotted path like "data.data" into a decoded response
// and returns the array of objects found there. An empty path expects the
// body itself to be the array.
func RecordsAt(body any, path string) ([]Record, error) {
	cur := body
	if path != "" {
		for _, part := range strings.Split(path, ".") {
			obj, ok := cur.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("records path %q: %q is not inside an object", path, part)
			}
			cur, ok = obj[part]
			if !ok {
				return nil, fmt.Errorf("records path %q: missing %q", path, part)
			}
		}
	}
	if cur == nil {
		return nil, nil
	}
	items, ok := cur.([]any)
	if !ok {
		return nil, fmt.Errorf("records path %q: got %T, want array", path, cur)
	}
	out := make([]Record, 0, len(items))
	for i, it := range items {
		rec, ok := it.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("records path %q: item %d is %T, want object", path, i, it)
		}
		out = append(out, rec)
	}
	return out, nil
}

// EnvelopeError reports a non-zero "code" in an object response. Bodies
// without a code are accepted.
func EnvelopeError(body any, page int) error {
	obj, ok := body.(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := obj["code"]
	if !ok || raw == nil {
		return nil
	}
	if n, err := utils.ConvertToInt(raw); err == nil && n == 0 {
		return nil
	}
	msg, _ := obj["message"].(string)
	return &APIError{Code: fmt.Sprint(raw), Message: msg, Page: page}
}
