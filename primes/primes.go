// Package primes holds the per-chunk computation run by
// workers.
package primes

// IsPrime reports whether n is a prime number.
func IsPrime(n int) bool {
	if n <= 1 {
		return false
	}
	if n <= 3 {
		return true
	}
	if n%2 == 0 || n%3 == 0 {
		return false
	}
	for i := 5; i*i <= n; i += 6 {
		if n%i == 0 || n%(i+2) == 0 {
			return false
		}
	}
	return true
}

// HasNonPrime reports whether any of the numbers is not
// prime.
func HasNonPrime(numbers []int) bool {
	_, found := FirstNonPrime(numbers)
	return found
}

// FirstNonPrime returns the first number that is not prime.
func FirstNonPrime(numbers []int) (int, bool) {
	for _, n := range numbers {
		if !IsPrime(n) {
			return n, true
		}
	}
	return 0, false
}
