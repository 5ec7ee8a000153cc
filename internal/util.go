package internal

func IsPowerOfTwo(n int) bool {
	if n <= 0 {
		return false
	}
	return n&(n-1) == 0
}

// NextPowerOfTwo returns the smallest power of two greater or equal to n.
func NextPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	if IsPowerOfTwo(n) {
		return n
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
