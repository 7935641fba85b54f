package obs

import "testing"

func TestCanonicalPath(t *testing.T) {
	cases := []struct {
		input    string
		expected string
	}{
		{"", "/"},
		{"/metrics", "/metrics"},
		{"/v1/users", "/v1/users"},
		{"/v1/users/alice", "/v1/users/:username"},
		{"/v1/services", "/v1/services"},
		{"/v1/services/billing/members", "/v1/services/:service/members"},
		{"/v1/services/billing/members/bob", "/v1/services/:service/members/:username"},
		{"/v1/services/billing/members?limit=2", "/v1/services/:service/members"},
		{"/v1/assignments", "/v1/assignments"},
	}
	for _, tc := range cases {
		if got := CanonicalPath(tc.input); got != tc.expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", tc.input, got, tc.expected)
		}
	}
}
