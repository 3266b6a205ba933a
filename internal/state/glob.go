package state

// GlobMatch reports whether name matches the wildcard pattern: '*'
// matches any run of characters (including none), '?' matches exactly
// one. Implemented without regex so matching stays deterministic and
// allocation-free.
func GlobMatch(pattern, name string) bool {
	p := []rune(pattern)
	n := []rune(name)

	var pi, ni int
	star := -1
	backtrack := 0

	for ni < len(n) {
		switch {
		case pi < len(p) && (p[pi] == '?' || p[pi] == n[ni]):
			pi++
			ni++
		case pi < len(p) && p[pi] == '*':
			// Remember the star; try matching it against the empty run
			// first and grow on mismatch.
			star = pi
			backtrack = ni
			pi++
		case star >= 0:
			pi = star + 1
			backtrack++
			ni = backtrack
		default:
			return false
		}
	}

	for pi < len(p) && p[pi] == '*' {
		pi++
	}
	return pi == len(p)
}
