package testhelper

import (
	"crypto/rand"
	"math/big"
)

const allChars = "abcdefghijklmnopqrstuvwxyz0123456789"

// RandString returns a random string of length n using crypto/rand.Reader
// as the random reader.
func RandString(n int) (string, error) {
	ret := make([]byte, n)

	for i := range n {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(allChars))))
		if err != nil {
			return "", err
		}

		ret[i] = allChars[num.Int64()]
	}

	return string(ret), nil
}

// MustRandString returns the string returned by RandString. If RandString
// returns an error, it will panic.
func MustRandString(n int) string {
	str, err := RandString(n)
	if err != nil {
		panic(err)
	}

	return str
}
