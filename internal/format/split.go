package format

// Split cuts s into chunks of at most limit runes, preferring a newline near
// the end of each window so lines stay intact.
func Split(s string, limit int) []string {
	if limit <= 0 {
		limit = ChatTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := start + limit
		if end > len(rs) {
			end = len(rs)
		}
		if end < len(rs) {
			cut := -1
			for i := end - 1; i > start; i-- {
				// don't produce tiny chunks
				if rs[i] == '\n' && i-start >= limit/3 {
					cut = i + 1
					break
				}
			}
			if cut != -1 {
				end = cut
			}
		}
		chunk := string(rs[start:end])
		if n := len(chunk); n > 0 && chunk[n-1] == '\n' {
			chunk = chunk[:n-1]
		}
		if chunk != "" {
			out = append(out, chunk)
		}
		start = end
	}
	return out
}
