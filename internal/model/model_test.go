package model

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/and161185/rma-console/internal/errs"
)

func TestNewRoleSet_Normalizes(t *testing.T) {
	t.Parallel()
	s := NewRoleSet(" User", "ADMIN", "user", "", "admin ")
	require.Equal(t, RoleSet{"admin", "user"}, s)
	require.True(t, s.Has("Admin"))
	require.False(t, s.Has("auditor"))
	require.False(t, RoleSet(nil).Has("admin"))
}

func TestPrincipal_UnmarshalRoles(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want RoleSet
	}{
		{"single role", `{"name":"a","role":"Admin"}`, RoleSet{"admin"}},
		{"role list", `{"name":"a","role":["user","admin"]}`, RoleSet{"admin", "user"}},
		{"roles key", `{"name":"a","roles":["user"]}`, RoleSet{"user"}},
		{"both keys merged", `{"name":"a","role":"admin","roles":["ADMIN","user"]}`, RoleSet{"admin", "user"}},
		{"none", `{"name":"a"}`, RoleSet{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p Principal
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			require.Equal(t, "a", p.Name)
			require.Equal(t, tt.want, p.Roles)
		})
	}

	var p Principal
	require.Error(t, json.Unmarshal([]byte(`{"role":42}`), &p))
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]Status{
		"approved":             StatusApproved,
		" Under_Repair ":       StatusUnderRepair,
		"in-transit-to-vendor": StatusInTransitToVendor,
		"pending":              StatusPendingReview,
	} {
		got, err := ParseStatus(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
	for _, bad := range []string{"processing", "", "lost"} {
		_, err := ParseStatus(bad)
		require.ErrorIs(t, err, errs.ErrValidation, bad)
	}
}

func TestRMARequest_LabelAndClone(t *testing.T) {
	t.Parallel()
	r := RMARequest{ID: "x", Attachments: []Attachment{{URL: "/a"}}}
	require.Equal(t, "x", r.Label())
	r.RMANumber = "RMA-9"
	require.Equal(t, "RMA-9", r.Label())

	c := r.Clone()
	c.Attachments[0].URL = "/b"
	require.Equal(t, "/a", r.Attachments[0].URL)

	empty := RMARequest{ID: "y", Attachments: []Attachment{}}.Clone()
	require.NotNil(t, empty.Attachments, "an empty list stays a list")
	b, err := json.Marshal(empty)
	require.NoError(t, err)
	require.Contains(t, string(b), `"attachments":[]`)

	require.Nil(t, RMARequest{ID: "z"}.Clone().Attachments)
}

func TestLink_DisplayName(t *testing.T) {
	t.Parallel()
	require.Equal(t, "MetroNet", Link{Provider: "MetroNet"}.DisplayName())
	require.Equal(t, "MetroNet MN-1", Link{Provider: "MetroNet", CircuitID: "MN-1"}.DisplayName())
}
