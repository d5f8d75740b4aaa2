package ledger

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"strconv"
)

// ErrEmptyKey signals the vault was constructed without key material.
var ErrEmptyKey = errors.New("ledger: empty vault key")

// Authority is an opaque capability required to debit an account. Custody
// authorities are derived from an order id and are never equal to any
// participant's own authority, so no trading party can move escrowed funds
// on its own.
type Authority struct {
	token []byte
}

// Vault derives account authorities from engine-held key material.
type Vault struct {
	key []byte
}

func NewVault(key []byte) (*Vault, error) {
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}
	v := &Vault{key: make([]byte, len(key))}
	copy(v.key, key)
	return v, nil
}

// OrderAuthority returns the custody capability for the escrow account
// backing the given order.
func (v *Vault) OrderAuthority(orderID int64) Authority {
	return v.derive("custody:" + strconv.FormatInt(orderID, 10))
}

// OwnerAuthority returns the capability for a participant's funding account.
func (v *Vault) OwnerAuthority(ownerID string) Authority {
	return v.derive("owner:" + ownerID)
}

func (v *Vault) derive(subject string) Authority {
	mac := hmac.New(sha256.New, v.key)
	mac.Write([]byte(subject))
	return Authority{token: mac.Sum(nil)}
}

func (a Authority) matches(stored []byte) bool {
	return len(a.token) > 0 && hmac.Equal(a.token, stored)
}

// Token exposes the raw capability bytes for persistence when an account is
// created. Holding the token is holding the capability.
func (a Authority) Token() []byte {
	out := make([]byte, len(a.token))
	copy(out, a.token)
	return out
}
