package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to SessionStatus
		want     bool
	}{
		{SessionStatusPending, SessionStatusActive, true},
		{SessionStatusPending, SessionStatusClosed, true},
		{SessionStatusActive, SessionStatusClosed, true},
		{SessionStatusActive, SessionStatusPending, false},
		{SessionStatusClosed, SessionStatusActive, false},
		{SessionStatusClosed, SessionStatusPending, false},
		{SessionStatusClosed, SessionStatusClosed, false},
		{SessionStatus("archived"), SessionStatusClosed, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestRoles(t *testing.T) {
	assert.Equal(t, RoleAdmin, RoleCustomer.Counterpart())
	assert.Equal(t, RoleCustomer, RoleAdmin.Counterpart())
	assert.Equal(t, ActorRole(""), RoleSystem.Counterpart())
	assert.False(t, RoleSystem.Valid())

	admin := StaffRoleAdmin
	agent := StaffRoleAgent
	assert.True(t, Principal{Role: RoleAdmin, StaffRole: &admin}.IsSupervisor())
	assert.False(t, Principal{Role: RoleAdmin, StaffRole: &agent}.IsSupervisor())
	assert.False(t, Principal{Role: RoleCustomer, StaffRole: &admin}.IsSupervisor())
	assert.True(t, Principal{Role: RoleCustomer}.IsCustomer())
}
