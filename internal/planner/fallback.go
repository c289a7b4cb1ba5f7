package planner

import (
	"fmt"
	"strings"
	"unicode"
)

const emptySceneText = "Continue the scene"

// Fallback splits description into n contiguous segments and tags each
// with its clip position. It never fails and never returns empty prompts.
func Fallback(description string, n int) []string {
	if n < 1 {
		n = 1
	}
	pieces := splitSentences(description)
	if len(pieces) < n {
		var clauses []string
		for _, s := range pieces {
			clauses = append(clauses, splitClauses(s)...)
		}
		pieces = clauses
	}
	if len(pieces) == 0 {
		pieces = []string{emptySceneText}
	}

	out := make([]string, n)
	for i := 0; i < n; i++ {
		var seg string
		if len(pieces) >= n {
			seg = strings.Join(pieces[i*len(pieces)/n:(i+1)*len(pieces)/n], " ")
		} else {
			// 片段不够时按比例重复
			seg = pieces[i*len(pieces)/n]
		}
		out[i] = fmt.Sprintf("%s (clip %d of %d)", seg, i+1, n)
	}
	return out
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func splitSentences(text string) []string {
	var out []string
	var cur strings.Builder
	runes := []rune(text)
	for i, r := range runes {
		cur.WriteRune(r)
		if isSentenceEnd(r) && (i+1 == len(runes) || unicode.IsSpace(runes[i+1]) || r > unicode.MaxASCII) {
			out = appendPiece(out, cur.String())
			cur.Reset()
		}
	}
	return appendPiece(out, cur.String())
}

func splitClauses(sentence string) []string {
	fields := strings.FieldsFunc(sentence, func(r rune) bool {
		return r == ',' || r == ';' || r == '，' || r == '；'
	})
	var out []string
	for _, f := range fields {
		for _, part := range splitThen(f) {
			out = appendPiece(out, part)
		}
	}
	return out
}

// splitThen cuts on the standalone word "then".
func splitThen(s string) []string {
	words := strings.Fields(s)
	var out []string
	start := 0
	for i, w := range words {
		if strings.EqualFold(w, "then") {
			out = append(out, strings.Join(words[start:i], " "))
			start = i + 1
		}
	}
	return append(out, strings.Join(words[start:], " "))
}

func appendPiece(out []string, s string) []string {
	s = strings.TrimSpace(s)
	s = strings.TrimRight(s, ",;，；")
	s = strings.TrimSpace(strings.TrimSuffix(s, " and"))
	if strings.HasPrefix(strings.ToLower(s), "and ") {
		s = strings.TrimSpace(s[4:])
	}
	if s == "" || strings.IndexFunc(s, func(r rune) bool { return unicode.IsLetter(r) || unicode.IsDigit(r) }) < 0 {
		return out
	}
	return append(out, s)
}
