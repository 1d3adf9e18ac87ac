package rbac

import "testing"

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want Role
		ok   bool
	}{
		{"business", RoleBusiness, true},
		{"agency", RoleAgency, true},
		{"system", "", false},
		{"", "", false},
		{"Agency", "", false},
	}
	for _, tt := range tests {
		got, ok := Parse(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Parse(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}
