// Package hostplatform defines the narrow interface this control plane
// expects from whatever surrounding system owns accounts, teams, and
// authentication (e.g. a CTF scoring platform). The core never embeds
// that system directly; it is supplied a collaborator satisfying Accounts
// at startup, so the same engine can run embedded in different hosts.
package hostplatform

import "context"

// Account is the minimal identity information the core needs: who is
// making a request, and whether they are currently allowed to.
type Account struct {
	AccountID string
	UserID    string
	Banned    bool
}

// Accounts is implemented by the host platform. Ban is called by the
// anti-cheat validator when it confirms a flag-reuse violation; the core
// never unbans an account itself, that is an administrative decision made
// outside this package.
type Accounts interface {
	// CurrentAccount resolves the caller identity for an authenticated
	// request, keyed by whatever opaque token/session the host platform
	// issues. The core treats AccountID/UserID as opaque strings.
	CurrentAccount(ctx context.Context, token string) (*Account, error)

	// Ban marks an account (and, if the host platform groups users into
	// teams, every member of its team) as banned, with a reason string
	// that ends up in the audit trail.
	Ban(ctx context.Context, accountID string, reason string) error
}

// InMemoryAccounts is a minimal Accounts implementation for local
// development and tests: every token is its own account ID, and Ban just
// records the ban in memory. Production deployments wire a real adapter
// to the host platform's actual user/session store instead.
type InMemoryAccounts struct {
	banned map[string]bool
}

// NewInMemoryAccounts constructs an empty InMemoryAccounts.
func NewInMemoryAccounts() *InMemoryAccounts {
	return &InMemoryAccounts{banned: map[string]bool{}}
}

func (accounts *InMemoryAccounts) CurrentAccount(_ context.Context, token string) (*Account, error) {
	return &Account{
		AccountID: token,
		UserID:    token,
		Banned:    accounts.banned[token],
	}, nil
}

func (accounts *InMemoryAccounts) Ban(_ context.Context, accountID string, _ string) error {
	accounts.banned[accountID] = true
	return nil
}
