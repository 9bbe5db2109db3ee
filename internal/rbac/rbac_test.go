package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleProductOwner, ActionFacilitate, true},
		{RoleScrumMaster, ActionFacilitate, true},
		{RoleDeveloper, ActionFacilitate, false},
		{RoleDeveloper, ActionVote, true},
		{Role("qa"), ActionVote, true},
		{Role("qa"), ActionFacilitate, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("scrum_master"); got != RoleScrumMaster {
		t.Errorf("Normalize(scrum_master) = %q", got)
	}
	if got := Normalize("intern"); got != RoleDeveloper {
		t.Errorf("Normalize(intern) = %q, want developer fallback", got)
	}
}
