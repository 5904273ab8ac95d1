package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func protectedRouter(handlerHit *bool) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/admin/ping", RequireAuthWithRole("admin"), func(c *gin.Context) {
		*handlerHit = true
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	return r
}

func TestGenerateToken(t *testing.T) {
	tokenStr, err := GenerateToken(7, "admin", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	token, err := ValidateToken(tokenStr)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !token.Valid {
		t.Error("expected a valid token")
	}

	if _, err := ValidateToken("not-a-token"); err == nil {
		t.Error("expected garbage token to fail validation")
	}
}

func TestRequireAuthSetsClaims(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	var gotRole interface{}
	r.GET("/me", RequireAuth(), func(c *gin.Context) {
		gotRole, _ = c.Get("role")
		c.Status(http.StatusOK)
	})

	tokenStr, err := GenerateToken(9, "member", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if gotRole != "member" {
		t.Errorf("role claim = %v, want member", gotRole)
	}
}

func TestRequireAuthWithRoleMissingToken(t *testing.T) {
	var hit bool
	r := protectedRouter(&hit)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", w.Code)
	}
	if hit {
		t.Error("handler must not run without a token")
	}
}

func TestRequireAuthWithRoleWrongRole(t *testing.T) {
	var hit bool
	r := protectedRouter(&hit)

	tokenStr, err := GenerateToken(3, "member", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403, body %s", w.Code, w.Body.String())
	}
	if hit {
		t.Error("handler must not run for a wrong-role token")
	}
}

func TestRequireAuthWithRoleAdmin(t *testing.T) {
	var hit bool
	r := protectedRouter(&hit)

	tokenStr, err := GenerateToken(1, "admin", 0)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/admin/ping", nil)
	req.Header.Set("Authorization", "Bearer "+tokenStr)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200, body %s", w.Code, w.Body.String())
	}
	if !hit {
		t.Error("handler should run for an admin token")
	}
}
