package domain

import "time"

// Account link statuses.
const (
	AccountLinkStatusActive  = "active"
	AccountLinkStatusRevoked = "revoked"
)

// AccountLink binds a platform user to an external source-control account.
type AccountLink struct {
	UserID    string
	Provider  string
	Login     string
	Token     []byte
	Status    string
	LinkedAt  time.Time
	UpdatedAt time.Time
}

// Active reports whether the link can be used for forks and deploys.
func (a AccountLink) Active() bool {
	return a.Status == AccountLinkStatusActive
}

// Credentials authorize calls against the fork and host providers.
type Credentials struct {
	Token string `json:"token"`
	Login string `json:"login,omitempty"`
}

// Empty reports whether no token was supplied.
func (c Credentials) Empty() bool {
	return c.Token == ""
}
