package volc

import (
	"strings"

	"github.com/buger/jsonparser"
)

// splitPath turns "data[0].url" into the key list jsonparser expects:
// ["data", "[0]", "url"].
func splitPath(path string) []string {
	var keys []string
	for _, part := range strings.Split(path, ".") {
		for part != "" {
			i := strings.IndexByte(part, '[')
			switch {
			case i < 0:
				keys = append(keys, part)
				part = ""
			case i > 0:
				keys = append(keys, part[:i])
				part = part[i:]
			default:
				j := strings.IndexByte(part, ']')
				if j < 0 {
					keys = append(keys, part)
					part = ""
					continue
				}
				keys = append(keys, part[:j+1])
				part = part[j+1:]
			}
		}
	}
	return keys
}

// lookup returns the scalar at path as a string. Missing fields, nulls,
// objects and arrays report ok=false.
func lookup(data []byte, path string) (string, bool) {
	if path == "" {
		return "", false
	}
	value, typ, _, err := jsonparser.Get(data, splitPath(path)...)
	if err != nil {
		return "", false
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(value)
		if err != nil || s == "" {
			return "", false
		}
		return s, true
	case jsonparser.Number, jsonparser.Boolean:
		return string(value), true
	default:
		return "", false
	}
}
