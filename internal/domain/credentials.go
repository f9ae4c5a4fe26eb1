package domain

import (
	"crypto/ecdsa"
	"time"
)

// APICredentials are the L2 HMAC credentials issued by the exchange for one
// signing key.
type APICredentials struct {
	Key        string `json:"key"`
	Secret     string `json:"secret"`
	Passphrase string `json:"passphrase"`
}

// Empty reports whether any credential field is missing.
func (c APICredentials) Empty() bool {
	return c.Key == "" || c.Secret == "" || c.Passphrase == ""
}

// TradingCredentials bundle everything needed to trade on a user's behalf.
type TradingCredentials struct {
	UserID  string
	Address string
	API     APICredentials
	Key     *ecdsa.PrivateKey
}

// CustodialWallet is a user's platform-held signing key, stored encrypted.
type CustodialWallet struct {
	UserID       string
	Address      string
	EncryptedKey []byte
	CreatedAt    time.Time
}
