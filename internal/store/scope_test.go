package store

import "testing"

func TestScopeEmpty(t *testing.T) {
	cases := []struct {
		name  string
		scope Scope
		want  bool
	}{
		{"zero value", Scope{}, true},
		{"user", UserScope("u1"), false},
		{"tenant", TenantScope("acme"), false},
		{"departments", DepartmentScope("acme", []string{"it"}), false},
		{"tenant with no departments", DepartmentScope("acme", nil), true},
		{"tenant with empty department list", DepartmentScope("acme", []string{}), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.scope.Empty(); got != tc.want {
				t.Errorf("Empty() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestScopeAllowsDepartment(t *testing.T) {
	cases := []struct {
		name  string
		scope Scope
		dept  string
		want  bool
	}{
		{"user scope never allows", UserScope("u1"), "it", false},
		{"bare tenant allows all", TenantScope("acme"), "finance", true},
		{"listed department", DepartmentScope("acme", []string{"it", "hr"}), "hr", true},
		{"unlisted department", DepartmentScope("acme", []string{"it", "hr"}), "finance", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.scope.AllowsDepartment(tc.dept); got != tc.want {
				t.Errorf("AllowsDepartment(%q) = %v, want %v", tc.dept, got, tc.want)
			}
		})
	}
}
