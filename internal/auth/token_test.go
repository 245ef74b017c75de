package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIssueAndVerify(t *testing.T) {
	tokens := NewTokens("test-secret")

	signed, err := tokens.Issue(42)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	userID, err := tokens.Verify(signed)
	if err != nil {
		t.Fatalf("verify failed: %v", err)
	}
	if userID != 42 {
		t.Errorf("expected user id 42, got %d", userID)
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	signed, err := NewTokens("secret-a").Issue(1)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	if _, err := NewTokens("secret-b").Verify(signed); err == nil {
		t.Error("expected verification to fail with a different secret")
	}
}

func TestVerifyRejectsGarbage(t *testing.T) {
	if _, err := NewTokens("s").Verify("not.a.token"); err == nil {
		t.Error("expected verification to fail for malformed token")
	}
}

func TestMiddleware(t *testing.T) {
	tokens := NewTokens("test-secret")
	signed, err := tokens.Issue(7)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	var gotID int64
	var gotOK bool
	handler := tokens.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotID, gotOK = UserID(r.Context())
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
	}{
		{"valid token", "Bearer " + signed, http.StatusOK},
		{"missing header", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"invalid token", "Bearer junk", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotID, gotOK = 0, false
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			if tt.wantStatus == http.StatusOK {
				if !gotOK || gotID != 7 {
					t.Errorf("expected user id 7 in context, got %d ok=%v", gotID, gotOK)
				}
			}
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("hash failed: %v", err)
	}
	if hash == "hunter2" {
		t.Fatal("hash must not equal the plaintext")
	}
	if !CheckPassword("hunter2", hash) {
		t.Error("correct password must verify")
	}
	if CheckPassword("wrong", hash) {
		t.Error("wrong password must not verify")
	}
}
