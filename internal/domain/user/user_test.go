package user

import (
	"errors"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    Role
		wantErr bool
	}{
		{"doctor", RoleDoctor, false},
		{" Pharmacist ", RolePharmacist, false},
		{"ADMIN", RoleAdmin, false},
		{"nurse", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseRole(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidRole) {
				t.Fatalf("ParseRole(%q) error = %v, want ErrInvalidRole", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Fatalf("ParseRole(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestUserName(t *testing.T) {
	var nilUser *User
	if got := nilUser.Name(); got != "N/A" {
		t.Fatalf("nil user name = %q", got)
	}
	cases := []struct {
		u    User
		want string
	}{
		{User{DisplayName: "Dr. House", Handle: "house"}, "Dr. House"},
		{User{Handle: "house"}, "@house"},
		{User{ExternalID: 42}, "id 42"},
	}
	for _, c := range cases {
		if got := c.u.Name(); got != c.want {
			t.Fatalf("Name() = %q, want %q", got, c.want)
		}
	}
}

func TestNormalizeHandle(t *testing.T) {
	if got := NormalizeHandle("  @someone "); got != "someone" {
		t.Fatalf("NormalizeHandle = %q", got)
	}
}
