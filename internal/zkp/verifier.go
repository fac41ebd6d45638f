// Package zkp defines the Groth16 verification capability used for
// anonymous commitment verification. The verifier itself is injected; the
// package only validates proof structure and normalizes signal encodings so
// deployments without a circuit can run with the stub.
package zkp

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"strings"
)

// Proof is a Groth16 proof in the snarkjs wire layout: pi_a and pi_c are
// G1 points (3 field elements), pi_b is a G2 point (3 pairs).
type Proof struct {
	PiA      []string   `json:"pi_a"`
	PiB      [][]string `json:"pi_b"`
	PiC      []string   `json:"pi_c"`
	Protocol string     `json:"protocol"`
	Curve    string     `json:"curve"`
}

// Validate checks the structural shape of the proof without any curve math.
func (p *Proof) Validate() error {
	if p == nil {
		return fmt.Errorf("proof is required")
	}
	if p.Protocol != "groth16" {
		return fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	if len(p.PiA) != 3 {
		return fmt.Errorf("pi_a must have 3 elements, got %d", len(p.PiA))
	}
	if len(p.PiB) != 3 {
		return fmt.Errorf("pi_b must have 3 pairs, got %d", len(p.PiB))
	}
	for i, pair := range p.PiB {
		if len(pair) != 2 {
			return fmt.Errorf("pi_b[%d] must have 2 elements, got %d", i, len(pair))
		}
	}
	if len(p.PiC) != 3 {
		return fmt.Errorf("pi_c must have 3 elements, got %d", len(p.PiC))
	}
	return nil
}

// Verifier checks a Groth16 proof against a verification key and public
// signals. Implementations must be pure: same inputs, same answer.
type Verifier interface {
	Verify(ctx context.Context, verificationKey []byte, proof *Proof, publicSignals []string) (bool, error)
}

// NormalizeSignal canonicalizes a public-signal field element to its decimal
// big-integer string form. Signals arrive either as decimal strings or as
// 0x-prefixed hex; leading zeros are insignificant.
func NormalizeSignal(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("empty signal")
	}
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		s = s[2:]
		base = 16
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok {
		return "", fmt.Errorf("malformed signal %q", s)
	}
	return n.String(), nil
}

// CommitmentSignal converts a 64-char hex commitment into the decimal
// field-element string the circuit exposes as publicSignals[0].
func CommitmentSignal(commitmentHex string) (string, error) {
	n, ok := new(big.Int).SetString(commitmentHex, 16)
	if !ok {
		return "", fmt.Errorf("malformed commitment %q", commitmentHex)
	}
	return n.String(), nil
}

// LoadVerificationKey reads the circuit verification key from disk. The key
// is treated as opaque bytes and handed to the Verifier unchanged.
func LoadVerificationKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read verification key: %w", err)
	}
	return b, nil
}

// StubVerifier is the Verifier used in tests and in deployments without a
// circuit: it accepts any structurally valid proof when Result is true.
type StubVerifier struct {
	Result bool
	Err    error
}

// Verify implements Verifier.
func (s *StubVerifier) Verify(_ context.Context, _ []byte, proof *Proof, _ []string) (bool, error) {
	if s.Err != nil {
		return false, s.Err
	}
	if err := proof.Validate(); err != nil {
		return false, err
	}
	return s.Result, nil
}
