package security

import (
	"strings"
	"time"
)

const (
	RoleUser    = "user"
	RolePsychic = "psychic"
	RoleAdmin   = "admin"
)

type TokenClaims struct {
	UserID  string
	Role    string
	Ver     int64
	Exp     time.Time
	Issuer  string
	Subject string
}

func (c TokenClaims) HasRole(role string) bool {
	return strings.EqualFold(strings.TrimSpace(c.Role), role)
}

func (c TokenClaims) IsAdmin() bool   { return c.HasRole(RoleAdmin) }
func (c TokenClaims) IsPsychic() bool { return c.HasRole(RolePsychic) }
