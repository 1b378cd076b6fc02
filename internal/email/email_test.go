package email

import "testing"

func TestExtractDomain(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		expected string
	}{
		{"simple", "user@example.com", "example.com"},
		{"with name", "User Name <user@example.com>", "example.com"},
		{"uppercase", "user@EXAMPLE.COM", "example.com"},
		{"mixed case", "user@Sub.Example.Com", "sub.example.com"},
		{"invalid no at", "invalid", ""},
		{"invalid empty before at", "@example.com", ""},
		{"invalid empty after at", "user@", ""},
		{"empty", "", ""},
		{"single char domain", "user@a", "a"},
		{"subdomain", "user@mail.example.com", "mail.example.com"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := ExtractDomain(tc.email)
			if result != tc.expected {
				t.Errorf("ExtractDomain(%q) = %q, want %q", tc.email, result, tc.expected)
			}
		})
	}
}

func TestExtractDomainOrDefault(t *testing.T) {
	tests := []struct {
		name     string
		email    string
		def      string
		expected string
	}{
		{"valid email", "user@example.com", "localhost", "example.com"},
		{"invalid returns default", "invalid", "localhost", "localhost"},
		{"empty returns default", "", "localhost", "localhost"},
		{"custom default", "invalid", "custom.local", "custom.local"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result := ExtractDomainOrDefault(tc.email, tc.def)
			if result != tc.expected {
				t.Errorf("ExtractDomainOrDefault(%q, %q) = %q, want %q", tc.email, tc.def, result, tc.expected)
			}
		})
	}
}

func TestLocalPart(t *testing.T) {
	tests := []struct {
		email    string
		expected string
	}{
		{"john.doe@example.com", "john.doe"},
		{"Jane <jane@example.com>", "jane"},
		{"no-at-sign", "no-at-sign"},
		{"", ""},
	}

	for _, tc := range tests {
		if got := LocalPart(tc.email); got != tc.expected {
			t.Errorf("LocalPart(%q) = %q, want %q", tc.email, got, tc.expected)
		}
	}
}

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name      string
		firstName string
		email     string
		expected  string
	}{
		{"first name wins", "  Abebe ", "x@example.com", "Abebe"},
		{"dot separator", "", "john.doe@example.com", "John"},
		{"dash separator", "", "mary-jane@example.com", "Mary"},
		{"underscore separator", "", "BOB_smith@example.com", "Bob"},
		{"plain local part", "", "alice@example.com", "Alice"},
		{"leading separator", "", ".hidden@example.com", ""},
		{"blank first name", "   ", "sam@example.com", "Sam"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := DisplayName(tc.firstName, tc.email); got != tc.expected {
				t.Errorf("DisplayName(%q, %q) = %q, want %q", tc.firstName, tc.email, got, tc.expected)
			}
		})
	}
}
