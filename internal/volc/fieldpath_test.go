package volc

import (
	"reflect"
	"testing"
)

func TestSplitPath(t *testing.T) {
	tests := map[string][]string{
		"id":                {"id"},
		"content.video_url": {"content", "video_url"},
		"data[0].url":       {"data", "[0]", "url"},
		"a.b[2][1].c":       {"a", "b", "[2]", "[1]", "c"},
	}
	for in, want := range tests {
		if got := splitPath(in); !reflect.DeepEqual(got, want) {
			t.Fatalf("splitPath(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLookup(t *testing.T) {
	doc := []byte(`{"id":"cgt-1","status":"succeeded","content":{"video_url":"https://cdn/x.mp4"},"data":[{"url":"u0"},{"url":"u1"}],"seed":42,"error":null}`)
	tests := []struct {
		path string
		want string
		ok   bool
	}{
		{"id", "cgt-1", true},
		{"content.video_url", "https://cdn/x.mp4", true},
		{"data[1].url", "u1", true},
		{"seed", "42", true},
		{"error.message", "", false},
		{"content", "", false},
		{"missing", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := lookup(doc, tt.path)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("lookup(%q) = %q,%v want %q,%v", tt.path, got, ok, tt.want, tt.ok)
		}
	}
}
