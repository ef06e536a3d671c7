package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testSecret = "middleware-test-secret"

func signed(t *testing.T, method jwt.SigningMethod, key interface{}, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"uid":        "u-1",
		"name":       "Tester",
		"company_id": "co-1",
		"roles":      []string{"estimator"},
		"perms":      []string{"bid:write"},
		"exp":        time.Now().Add(time.Hour).Unix(),
	}
}

func newAuthRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", JWTAuth(testSecret), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"company": c.GetString("company_id"), "user": c.GetString("user_id")})
	})
	return r
}

func doGet(r http.Handler, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestJWTAuth(t *testing.T) {
	r := newAuthRouter()

	if w := doGet(r, "/x", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: status = %d", w.Code)
	}

	good := signed(t, jwt.SigningMethodHS256, []byte(testSecret), baseClaims())
	w := doGet(r, "/x", good)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: status = %d body=%s", w.Code, w.Body.String())
	}

	// query param fallback, used by SSE
	if w := doGet(r, "/x?token="+good, ""); w.Code != http.StatusOK {
		t.Errorf("query token: status = %d", w.Code)
	}

	bad := signed(t, jwt.SigningMethodHS256, []byte("other"), baseClaims())
	if w := doGet(r, "/x", bad); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong secret: status = %d", w.Code)
	}

	expired := baseClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	if w := doGet(r, "/x", signed(t, jwt.SigningMethodHS256, []byte(testSecret), expired)); w.Code != http.StatusUnauthorized {
		t.Errorf("expired: status = %d", w.Code)
	}

	noCompany := baseClaims()
	delete(noCompany, "company_id")
	if w := doGet(r, "/x", signed(t, jwt.SigningMethodHS256, []byte(testSecret), noCompany)); w.Code != http.StatusForbidden {
		t.Errorf("no company: status = %d", w.Code)
	}

	none := signed(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, baseClaims())
	if w := doGet(r, "/x", none); w.Code != http.StatusUnauthorized {
		t.Errorf("alg none: status = %d", w.Code)
	}
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/x", JWTAuth(testSecret), RequireRole("estimator"), func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/y", JWTAuth(testSecret), RequireRole("purchasing"), func(c *gin.Context) { c.Status(http.StatusOK) })

	tok := signed(t, jwt.SigningMethodHS256, []byte(testSecret), baseClaims())
	if w := doGet(r, "/x", tok); w.Code != http.StatusOK {
		t.Errorf("matching role: status = %d", w.Code)
	}
	if w := doGet(r, "/y", tok); w.Code != http.StatusForbidden {
		t.Errorf("missing role: status = %d", w.Code)
	}

	admin := baseClaims()
	admin["roles"] = []string{AdminRole}
	if w := doGet(r, "/y", signed(t, jwt.SigningMethodHS256, []byte(testSecret), admin)); w.Code != http.StatusOK {
		t.Errorf("admin: status = %d", w.Code)
	}
}

func TestPortalHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/p", PortalHeaders(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := doGet(r, "/p", "")
	if got := w.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q", got)
	}
	if got := w.Header().Get("Referrer-Policy"); got != "no-referrer" {
		t.Errorf("Referrer-Policy = %q", got)
	}
}

func TestRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/r", RequestID(), func(c *gin.Context) { c.String(http.StatusOK, c.GetString("request_id")) })

	w := doGet(r, "/r", "")
	if id := w.Header().Get("X-Request-ID"); id == "" || id != w.Body.String() {
		t.Errorf("request id header %q body %q", id, w.Body.String())
	}
}

func TestLogger_RedactsPortalToken(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Logger(zap.New(core)))
	r.GET("/bid-portal/:token", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/bid-portal/secret-token-value?x=1", nil))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("got %d log entries", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/bid-portal/:token" {
		t.Errorf("path = %v", fields["path"])
	}
	if fields["query"] != "" {
		t.Errorf("query = %v", fields["query"])
	}
}
