package resolve

// Ratio returns a similarity measure in [0,1] between two strings:
// twice the number of characters in matching blocks divided by the total
// length. Matching blocks are found by repeatedly taking the longest
// common substring and recursing on the pieces to its left and right.
func Ratio(a, b string) float64 {
	total := len(a) + len(b)
	if total == 0 {
		return 1
	}
	matched := matchingSize([]byte(a), []byte(b))
	return 2 * float64(matched) / float64(total)
}

func matchingSize(a, b []byte) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	aStart, bStart, size := longestMatch(a, b)
	if size == 0 {
		return 0
	}
	matched := size
	matched += matchingSize(a[:aStart], b[:bStart])
	matched += matchingSize(a[aStart+size:], b[bStart+size:])
	return matched
}

func longestMatch(a, b []byte) (int, int, int) {
	b2j := make(map[byte][]int, len(b))
	for j, c := range b {
		b2j[c] = append(b2j[c], j)
	}

	bestA, bestB, bestSize := 0, 0, 0
	j2len := map[int]int{}
	for i := range a {
		next := map[int]int{}
		for _, j := range b2j[a[i]] {
			k := j2len[j-1] + 1
			next[j] = k
			if k > bestSize {
				bestA, bestB, bestSize = i-k+1, j-k+1, k
			}
		}
		j2len = next
	}
	return bestA, bestB, bestSize
}
