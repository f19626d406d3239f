package reservation

import (
	"crypto/rand"
	"math/big"
)

const (
	ticketCodeLength   = 8
	ticketCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	// maxCodeAttempts bounds the draw-and-check loop at confirmation.
	maxCodeAttempts = 10
)

// CodeGenerator draws one candidate ticket code.  Uniqueness is checked by
// the engine, not the generator.
type CodeGenerator func() (string, error)

// RandomTicketCode returns an upper-case alphanumeric code read from
// crypto/rand.
func RandomTicketCode() (string, error) {
	max := big.NewInt(int64(len(ticketCodeAlphabet)))
	b := make([]byte, ticketCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = ticketCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

// looksLikeTicketCode reports whether s has the shape of a ticket code.
func looksLikeTicketCode(s string) bool {
	if len(s) != ticketCodeLength {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !(c >= 'A' && c <= 'Z') && !(c >= '0' && c <= '9') {
			return false
		}
	}
	return true
}
