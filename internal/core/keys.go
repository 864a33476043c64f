package core

import (
	"crypto/ecdsa"
	"crypto/rsa"
)

// KeyType discriminates a JWK's public-key variant.
type KeyType int

const (
	KeyRSA KeyType = iota
	KeyEC
)

// JWK is a single public key extracted from a JWKS document or an
// issuer's X.509 certificate map.
type JWK struct {
	ID        string // key id ("kid"); may be empty
	Algorithm string // JWS "alg", e.g. "RS256", "ES256"
	Type      KeyType
	RSA       *rsa.PublicKey
	EC        *ecdsa.PublicKey
}

// JWKS is a set of keys, optionally keyed by id.
type JWKS struct {
	Keys []JWK
}

// ByID returns the keys carrying the given id, or all keys if id is empty
// (a JWS with no "kid" header must try every candidate).
func (s JWKS) ByID(id string) []JWK {
	if id == "" {
		return s.Keys
	}
	var out []JWK
	for _, k := range s.Keys {
		if k.ID == id {
			out = append(out, k)
		}
	}
	return out
}

// UserInfo is produced by the authenticator from a verified token.
type UserInfo struct {
	Audiences []string
	Email     string
	ID        string
	Issuer    string
}
