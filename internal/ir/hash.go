package ir

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cockroachdb/errors"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainTuple     = "ndrt/tuple/v1"
	DomainSignature = "ndrt/signature/v1"
)

// hashWithDomain computes SHA-256 with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// TupleID computes a stable content-addressed identifier for a tuple.
func TupleID(t Tuple) (string, error) {
	canonical, err := MarshalCanonical(t)
	if err != nil {
		return "", errors.Wrap(err, "TupleID")
	}
	return hashWithDomain(DomainTuple, canonical), nil
}

// SignaturePayload prefixes signing bytes with the signature domain so a
// signature over a tuple can never be replayed as a signature over
// anything else.
func SignaturePayload(t Tuple) ([]byte, error) {
	body, err := SigningBytes(t)
	if err != nil {
		return nil, errors.Wrap(err, "signature payload")
	}
	out := make([]byte, 0, len(DomainSignature)+1+len(body))
	out = append(out, DomainSignature...)
	out = append(out, 0x00)
	return append(out, body...), nil
}
