package pairing

import (
	"crypto/rand"
	"math/big"
)

const (
	codeAlphabet = "0123456789"
	codeLength   = 6
)

// GenerateCode draws a six-digit numeric code uniformly at random.
func GenerateCode() (string, error) {
	buf := make([]byte, codeLength)
	alphabetLen := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}
