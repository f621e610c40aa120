package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math"
	"strings"
)

const (
	// MinSecretLength is the minimum length of a webhook secret.
	MinSecretLength = 48

	// MinEntropy is the minimum Shannon entropy, in bits per character.
	MinEntropy = 3.5
)

var placeholderWords = []string{"replace", "changeme", "topsecret", "password", "example", "your-"}

// ValidateSecret checks that a webhook secret is long, random and not a
// placeholder copied from documentation.
func ValidateSecret(secret string) error {
	if len(secret) < MinSecretLength {
		return fmt.Errorf("secret too short (minimum %d characters, got %d)", MinSecretLength, len(secret))
	}

	lower := strings.ToLower(secret)
	for _, word := range placeholderWords {
		if strings.Contains(lower, word) {
			return fmt.Errorf("secret appears to be a placeholder value")
		}
	}

	if entropy := shannonEntropy(secret); entropy < MinEntropy {
		return fmt.Errorf("secret has insufficient entropy (%.2f < %.2f)", entropy, MinEntropy)
	}
	return nil
}

// GenerateSecret returns a random 48-character URL-safe secret.
func GenerateSecret() (string, error) {
	buf := make([]byte, 36)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate random secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(buf), nil
}

func shannonEntropy(s string) float64 {
	if s == "" {
		return 0
	}
	freq := make(map[rune]int)
	n := 0
	for _, c := range s {
		freq[c]++
		n++
	}
	var h float64
	for _, count := range freq {
		p := float64(count) / float64(n)
		h -= p * math.Log2(p)
	}
	return h
}
