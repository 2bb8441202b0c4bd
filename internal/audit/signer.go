package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mbd888/siterisk/internal/canonical"
)

// Signer signs audit records with HMAC-SHA256 over their canonical payload.
type Signer struct {
	secret []byte
}

// NewSigner creates a new HMAC signer. If secret is empty, signing is disabled.
func NewSigner(secret string) *Signer {
	if secret == "" {
		return nil
	}
	return &Signer{secret: []byte(secret)}
}

// signedPayload binds the identifying fields to the state digest.
type signedPayload struct {
	ID             string `json:"id"`
	Location       string `json:"location"`
	At             string `json:"at"`
	CatalogVersion string `json:"catalogVersion"`
	Inputs         Inputs `json:"inputs"`
	Digest         string `json:"digest"`
	Supersedes     string `json:"supersedes"`
}

func payload(r *Record) signedPayload {
	return signedPayload{
		ID:             r.ID,
		Location:       r.Location.String(),
		At:             r.At.UTC().Format("2006-01-02T15:04:05.000Z"),
		CatalogVersion: r.CatalogVersion,
		Inputs:         r.Inputs,
		Digest:         r.Digest,
		Supersedes:     r.Supersedes,
	}
}

func (s *Signer) mac(r *Record) (string, error) {
	data, err := canonical.Marshal(payload(r))
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Sign sets r.Signature. A nil signer leaves records unsigned.
func (s *Signer) Sign(r *Record) error {
	if s == nil {
		return nil
	}
	sig, err := s.mac(r)
	if err != nil {
		return err
	}
	r.Signature = sig
	return nil
}

// Verify checks the record's signature and its state digest.
func (s *Signer) Verify(r *Record) bool {
	if s == nil || r.Signature == "" {
		return false
	}
	if r.CheckDigest() != nil {
		return false
	}
	expected, err := s.mac(r)
	if err != nil {
		return false
	}
	return hmac.Equal([]byte(expected), []byte(r.Signature))
}
