// Package creds implements the external credential interface (§6): broker
// token lookup and account selection per user. The core never stores or
// encrypts credentials itself — it consumes this interface.
package creds

import "context"

// Account is one broker account linked to a user.
type Account struct {
	AccountID string
	Currency  string
}

// Source is the external credential interface consumed by the Execution
// Core when isolating a per-order broker client (§4.5). Implementations
// return nil/empty, never an error, when a user has not linked a broker
// account — absence of linkage is not a failure of the source.
type Source interface {
	GetToken(ctx context.Context, userID string) (token string, ok bool, err error)
	GetActiveAccount(ctx context.Context, userID string) (*Account, error)
	ListAccounts(ctx context.Context, userID string) ([]Account, error)
}
