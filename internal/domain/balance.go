package domain

import "time"

// BalanceKind distinguishes the two spendable capacities.
type BalanceKind string

const (
	// KindTextToken is consumed by text/code generation, metered per token.
	KindTextToken BalanceKind = "text-token"
	// KindFileToken is consumed by media generation at fixed per-file prices.
	KindFileToken BalanceKind = "file-token"
)

// Valid reports whether k is a known balance kind.
func (k BalanceKind) Valid() bool {
	return k == KindTextToken || k == KindFileToken
}

// OwnerType distinguishes personal balances from enterprise cluster balances.
type OwnerType string

const (
	OwnerUser    OwnerType = "user"
	OwnerCluster OwnerType = "cluster"
)

// OwnerRef identifies the owner of a balance: a single user, or a cluster
// of users sharing one balance.
type OwnerRef struct {
	Type OwnerType `json:"type"`
	ID   string    `json:"id"`
}

// String returns a canonical string form of the owner reference.
func (o OwnerRef) String() string {
	return string(o.Type) + ":" + o.ID
}

// Balance is spendable capacity owned by a user or a cluster.
//
// Invariants (enforced by the ledger, never mutated elsewhere):
//   - available + reserved <= granted
//   - available >= 0 at every observable point
type Balance struct {
	ID        string      `json:"id"`
	Owner     OwnerRef    `json:"owner"`
	Kind      BalanceKind `json:"kind"`
	Available int64       `json:"available"`
	Reserved  int64       `json:"reserved"`
	Used      int64       `json:"used"`
	Expired   int64       `json:"expired"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}
