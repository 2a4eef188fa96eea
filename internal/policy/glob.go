package policy

// GlobMatch matches str against a glob-style pattern:
//
//	?   matches exactly one character
//	*   matches any sequence of characters
//	\C  matches the literal character C
//	C   matches the literal character C (C not *, ? or \)
//
// It returns the count of matched non-wildcard characters, or -1 if
// str doesn't match pattern at all. Used for product-string filters
// and auto-attach rules, where str is a DeviceInfo.Product and pattern
// comes from configuration.
func GlobMatch(str, pattern string) int {
	return globMatchInternal(str, pattern, 0)
}

func globMatchInternal(str, pattern string, count int) int {
	for str != "" && pattern != "" {
		p := pattern[0]
		pattern = pattern[1:]

		switch p {
		case '*':
			for pattern != "" && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return count
			}
			for i := 0; i < len(str); i++ {
				if c2 := globMatchInternal(str[i:], pattern, count); c2 >= 0 {
					return c2
				}
			}
			return -1

		case '?':
			str = str[1:]

		case '\\':
			if pattern == "" {
				return -1
			}
			p, pattern = pattern[0], pattern[1:]
			fallthrough

		default:
			if str[0] != p {
				return -1
			}
			str = str[1:]
			count++
		}
	}

	for pattern != "" && pattern[0] == '*' {
		pattern = pattern[1:]
	}

	if str == "" && pattern == "" {
		return count
	}
	return -1
}
