package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"ledgersync/internal/shared/auth"
)

func TestAuth(t *testing.T) {
	jwt := auth.NewJWT("test-secret")
	validToken, err := jwt.Generate(1, "test@example.com")
	if err != nil {
		t.Fatalf("Generate() failed: %v", err)
	}
	otherToken, _ := auth.NewJWT("other-secret").Generate(1, "test@example.com")

	tests := []struct {
		name           string
		header         string
		expectedStatus int
		expectedUser   bool
	}{
		{
			name:           "Valid Token in Header",
			header:         "Bearer " + validToken,
			expectedStatus: http.StatusOK,
			expectedUser:   true,
		},
		{
			name:           "Lowercase Scheme",
			header:         "bearer " + validToken,
			expectedStatus: http.StatusOK,
			expectedUser:   true,
		},
		{
			name:           "No Token",
			header:         "",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Basic Scheme",
			header:         "Basic dXNlcjpwYXNz",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Invalid Token",
			header:         "Bearer invalid",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "Wrong Secret",
			header:         "Bearer " + otherToken,
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				userID, ok := UserIDFromContext(r.Context())
				if !ok && tt.expectedUser {
					t.Error("Expected user ID in context, got none")
				}
				if ok && !tt.expectedUser {
					t.Error("Unexpected user ID in context")
				}
				if ok && userID != 1 {
					t.Errorf("Expected user ID 1, got %d", userID)
				}
				w.WriteHeader(http.StatusOK)
			})

			handler := Auth(jwt)(nextHandler)

			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()

			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, tt.expectedStatus)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header on 401")
			}
		})
	}
}
