// Package fairness derives verifiable crash points from a secret seed.
//
// A round publishes Commitment(seed) when it starts and reveals the seed after
// it crashes. Anyone can then recompute CrashPoint(seed, roundID) and check it
// against the commitment.
package fairness

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/shopspring/decimal"
)

// SeedBytes is the seed entropy in bytes (128 bits).
const SeedBytes = 16

// DefaultMaxMultiplier caps crash points at 100x.
const DefaultMaxMultiplier = 100

// MinCrashPoint is the floor applied to every crash point.
var MinCrashPoint = decimal.RequireFromString("1.01")

var ErrInvalidMaxMultiplier = errors.New("fairness: max multiplier must be at least 2")

// GenerateSeed returns a fresh hex-encoded random seed.
func GenerateSeed() (string, error) {
	b := make([]byte, SeedBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("fairness: read random seed: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// Commitment returns hex(sha256(seed)), safe to publish before the crash.
func Commitment(seed string) string {
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:])
}

// Generator computes crash points for a fixed maximum multiplier.
type Generator struct {
	maxMultiplier int64
}

// NewGenerator creates a generator whose crash points lie in
// [1.01, maxMultiplier).
func NewGenerator(maxMultiplier int64) (*Generator, error) {
	if maxMultiplier < 2 {
		return nil, ErrInvalidMaxMultiplier
	}
	return &Generator{maxMultiplier: maxMultiplier}, nil
}

// MaxMultiplier returns the configured cap.
func (g *Generator) MaxMultiplier() int64 {
	return g.maxMultiplier
}

// CrashPoint hashes seed‖roundID with SHA-256, reads the first 8 hex digits
// as an unsigned integer, reduces it modulo maxMultiplier*100 and scales by
// 1/100. Results below 1.01 are raised to 1.01. Pure: no hidden state.
func (g *Generator) CrashPoint(seed, roundID string) decimal.Decimal {
	sum := sha256.Sum256([]byte(seed + roundID))
	digest := hex.EncodeToString(sum[:])

	// 8 hex digits always fit in 32 bits.
	n, _ := strconv.ParseUint(digest[:8], 16, 32)

	hundredths := int64(n % uint64(g.maxMultiplier*100))
	crash := decimal.New(hundredths, -2)
	if crash.LessThan(MinCrashPoint) {
		return MinCrashPoint
	}
	return crash
}

// Verify reports whether seed matches commitment and reproduces crashPoint
// for roundID.
func (g *Generator) Verify(seed, roundID, commitment string, crashPoint decimal.Decimal) bool {
	if Commitment(seed) != commitment {
		return false
	}
	return g.CrashPoint(seed, roundID).Equal(crashPoint)
}
