package classify

// firstJSONSpan scans s for the first balanced top-level {...} span and
// returns it. Brace depth is tracked through string literals and escapes so
// braces inside quoted values never open or close a span.
//
// A byte-level scan is used instead of regex: analyzed skills can emit
// arbitrarily adversarial text and extraction must stay linear. Iterating
// bytes is safe for the ASCII delimiters ({, }, ", \) because UTF-8 never
// places ASCII bytes inside a multi-byte sequence.
func firstJSONSpan(s string) (string, bool) {
	depth := 0
	start := -1
	inString := false
	escape := false

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}

		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			// Stray closers before any opener are prose, not structure.
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}
