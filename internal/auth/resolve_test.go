package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classroomlive/control-plane/internal/domain"
)

type fakeValidator struct {
	claims *CustomClaims
	err    error
}

func (f *fakeValidator) ValidateToken(tokenString string) (*CustomClaims, error) {
	return f.claims, f.err
}

func TestResolve_DerivesAdminFromScope(t *testing.T) {
	v := &fakeValidator{claims: &CustomClaims{Scope: "openid role:admin", Name: "Alice"}}
	v.claims.Subject = "u1"

	p, err := Resolve(v, "token")
	require.NoError(t, err)
	assert.Equal(t, domain.SystemRoleAdmin, p.SystemRole)
	assert.Equal(t, "u1", p.UserID)
	assert.Equal(t, "Alice", p.DisplayName)
}

func TestResolve_DerivesTutorFromScope(t *testing.T) {
	v := &fakeValidator{claims: &CustomClaims{Scope: "role:tutor"}}
	v.claims.Subject = "u2"

	p, err := Resolve(v, "token")
	require.NoError(t, err)
	assert.Equal(t, domain.SystemRoleTutor, p.SystemRole)
}

func TestResolve_DefaultsToMember(t *testing.T) {
	v := &fakeValidator{claims: &CustomClaims{Scope: "openid profile"}}
	v.claims.Subject = "u3"

	p, err := Resolve(v, "token")
	require.NoError(t, err)
	assert.Equal(t, domain.SystemRoleMember, p.SystemRole)
}

func TestResolve_FallsBackToSubjectWhenNameMissing(t *testing.T) {
	v := &fakeValidator{claims: &CustomClaims{}}
	v.claims.Subject = "u4"

	p, err := Resolve(v, "token")
	require.NoError(t, err)
	assert.Equal(t, "u4", p.DisplayName)
}

func TestResolve_PropagatesValidationFailure(t *testing.T) {
	v := &fakeValidator{err: assert.AnError}

	_, err := Resolve(v, "bad-token")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrAuthInvalid)
}
