package policy

import "testing"

func TestEvaluate(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		denied  []string
		tool    string
		want    bool
	}{
		{"exact allow", []string{"crm_create_contact"}, nil, "crm_create_contact", true},
		{"prefix allow", []string{"crm_*"}, nil, "crm_create_contact", true},
		{"prefix allow miss", []string{"crm_*"}, nil, "email_send", false},
		{"empty allow list allows nothing", nil, nil, "crm_create_contact", false},
		{"wildcard allow", []string{"*"}, nil, "anything", true},
		{"deny overrides allow exact", []string{"crm_*"}, []string{"crm_delete_contact"}, "crm_delete_contact", false},
		{"deny overrides allow prefix", []string{"*"}, []string{"delete_*"}, "delete_records", false},
		{"deny overrides wildcard allow", []string{"crm_delete_contact"}, []string{"*"}, "crm_delete_contact", false},
		{"case insensitive", []string{"CRM_*"}, nil, "crm_create_contact", true},
		{"whitespace trimmed", []string{" crm_* "}, nil, "crm_create_contact", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Evaluate(tt.allowed, tt.denied, tt.tool)
			if v.Allowed != tt.want {
				t.Errorf("Evaluate(%v, %v, %q) = %v, want %v (reason: %s)",
					tt.allowed, tt.denied, tt.tool, v.Allowed, tt.want, v.Reason)
			}
			if v.Reason == "" {
				t.Error("expected non-empty reason")
			}
		})
	}
}
