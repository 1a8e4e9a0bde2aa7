package services

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"math/big"
)

// orderCodeAlphabet omits 0, O, 1 and I. Its 32 symbols map one-to-one onto five
// random bits.
const orderCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	defaultOrderCodeLength = 12
	minOrderCodeLength     = 12
	maxOrderCodeLength     = 20
	verificationDigits     = 6
)

// CodeGenerator produces a fresh random public order code of the given length.
type CodeGenerator func(length int) (string, error)

func randomOrderCode(length int) (string, error) {
	if length < minOrderCodeLength || length > maxOrderCodeLength {
		return "", fmt.Errorf("order code length %d outside [%d,%d]", length, minOrderCodeLength, maxOrderCodeLength)
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("order code entropy: %w", err)
	}
	for i, b := range buf {
		buf[i] = orderCodeAlphabet[b&31]
	}
	return string(buf), nil
}

func randomVerificationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("verification code entropy: %w", err)
	}
	return fmt.Sprintf("%0*d", verificationDigits, n.Int64()), nil
}

func hashVerificationCode(orderID, code string) string {
	sum := sha256.Sum256([]byte(orderID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func verificationCodeMatches(storedHash, orderID, code string) bool {
	if storedHash == "" {
		return false
	}
	candidate := hashVerificationCode(orderID, code)
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(candidate)) == 1
}
