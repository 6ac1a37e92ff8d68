package auth

import (
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/graphide/graphide/internal/pkg/config"
)

func TestAuthenticator_ValidateAPIKey(t *testing.T) {
	a := NewAuthenticator([]config.APIKeyConfig{
		{KeyHash: HashAPIKey("sk-good"), Description: "ide"},
		{KeyHash: "  "},
	})

	k, err := a.ValidateAPIKey("sk-good")
	if err != nil {
		t.Fatalf("ValidateAPIKey() error = %v", err)
	}
	if k.Description != "ide" {
		t.Errorf("Description = %q, want ide", k.Description)
	}

	if _, err := a.ValidateAPIKey("sk-bad"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("ValidateAPIKey(bad) error = %v, want ErrInvalidKey", err)
	}
	if _, err := a.ValidateAPIKey(""); !errors.Is(err, ErrMissingKey) {
		t.Errorf("ValidateAPIKey(empty) error = %v, want ErrMissingKey", err)
	}
}

func TestExtractAPIKey(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{"Bearer sk-1", "sk-1", false},
		{"bearer sk-1", "sk-1", false},
		{"sk-1", "sk-1", false},
		{"Basic dXNlcjpwYXNz", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractAPIKey(r)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ExtractAPIKey(%q) = %q, %v", tt.header, got, err)
		}
	}
}

func TestHashAPIKey(t *testing.T) {
	// sha256("test")
	want := "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	if got := HashAPIKey("test"); got != want {
		t.Errorf("HashAPIKey() = %q, want %q", got, want)
	}
}
