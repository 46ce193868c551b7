package models

import (
	"encoding/json"
	"testing"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{"Deputado", RoleDeputy},
		{"deputada federal", RoleDeputy},
		{"deputy", RoleDeputy},
		{" Senador ", RoleSenator},
		{"SENADORA", RoleSenator},
		{"senator", RoleSenator},
		{"Titular", RoleUnknown},
		{"", RoleUnknown},
		{"unknown", RoleUnknown},
	}

	for _, tt := range tests {
		if got := ParseRole(tt.in); got != tt.want {
			t.Errorf("ParseRole(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRoleUnmarshalJSON(t *testing.T) {
	tests := []struct {
		in   string
		want Role
	}{
		{`{"role":"Deputy"}`, RoleDeputy},
		{`{"role":"Senadora"}`, RoleSenator},
		{`{"role":"senator"}`, RoleSenator},
		{`{"role":"Unknown"}`, RoleUnknown},
		{`{"role":""}`, ""},
		{`{}`, ""},
	}

	for _, tt := range tests {
		var c Criteria
		if err := json.Unmarshal([]byte(tt.in), &c); err != nil {
			t.Fatalf("Unmarshal(%s) error = %v", tt.in, err)
		}
		if c.Role != tt.want {
			t.Errorf("Unmarshal(%s) Role = %q, want %q", tt.in, c.Role, tt.want)
		}
	}

	var c Criteria
	if err := json.Unmarshal([]byte(`{"role":7}`), &c); err == nil {
		t.Error("expected error for non-string role")
	}
}

func TestRoleTitle(t *testing.T) {
	if RoleDeputy.Title() != "Deputado" {
		t.Errorf("RoleDeputy.Title() = %s", RoleDeputy.Title())
	}
	if RoleSenator.Title() != "Senador" {
		t.Errorf("RoleSenator.Title() = %s", RoleSenator.Title())
	}
	if RoleUnknown.Title() != "Parlamentar" {
		t.Errorf("RoleUnknown.Title() = %s", RoleUnknown.Title())
	}
}

func TestCriteriaIsEmpty(t *testing.T) {
	if !(Criteria{}).IsEmpty() {
		t.Error("zero Criteria should be empty")
	}
	if (Criteria{State: "SP"}).IsEmpty() {
		t.Error("Criteria with state should not be empty")
	}
}
