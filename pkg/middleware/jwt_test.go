package middleware

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用のJWTシークレット。
const testSecret = "test-secret-key-for-unit-tests"

// newProtectedRouter はJWTAuthで保護された /me を持つルーターを生成する。
func newProtectedRouter() *gin.Engine {
	router := gin.New()
	router.Use(JWTAuth(testSecret))
	router.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_id":   GetUserID(c),
			"email":     GetEmail(c),
			"x_user_id": c.GetHeader(headerKeyUserID),
		})
	})
	return router
}

// TestGenerateJWT はGenerateJWT関数を検証する。
func TestGenerateJWT(t *testing.T) {
	t.Parallel()

	t.Run("生成したトークンをParseJWTで検証できること", func(t *testing.T) {
		t.Parallel()

		tokenStr, err := GenerateJWT(testSecret, 42, "test@example.com", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}
		if claims.UserID != 42 {
			t.Errorf("UserID = %d, want %d", claims.UserID, 42)
		}
		if claims.Email != "test@example.com" {
			t.Errorf("Email = %q, want %q", claims.Email, "test@example.com")
		}
		if claims.Subject != "42" {
			t.Errorf("Subject = %q, want %q", claims.Subject, "42")
		}
		if claims.Issuer != tokenIssuer {
			t.Errorf("Issuer = %q, want %q", claims.Issuer, tokenIssuer)
		}
	})

	t.Run("有効期限がttl後であること", func(t *testing.T) {
		t.Parallel()

		before := time.Now()
		tokenStr, err := GenerateJWT(testSecret, 1, "exp@example.com", 2*time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}
		claims, err := ParseJWT(testSecret, tokenStr)
		if err != nil {
			t.Fatalf("ParseJWT()でエラーが発生: %v", err)
		}

		expected := before.Add(2 * time.Hour)
		if diff := claims.ExpiresAt.Time.Sub(expected); diff < -time.Minute || diff > time.Minute {
			t.Errorf("ExpiresAt = %v, want about %v", claims.ExpiresAt.Time, expected)
		}
	})
}

// TestParseJWT は不正なトークンの拒否を検証する。
func TestParseJWT(t *testing.T) {
	t.Parallel()

	expired, err := GenerateJWT(testSecret, 1, "a@x.com", -time.Minute)
	if err != nil {
		t.Fatalf("期限切れトークンの生成に失敗: %v", err)
	}
	otherSecret, err := GenerateJWT("other-secret", 1, "a@x.com", time.Hour)
	if err != nil {
		t.Fatalf("別シークレットのトークン生成に失敗: %v", err)
	}
	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		UserID: 1,
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("none署名トークンの生成に失敗: %v", err)
	}

	tests := []struct {
		name  string
		token string
	}{
		{name: "期限切れ", token: expired},
		{name: "異なるシークレット", token: otherSecret},
		{name: "none署名", token: noneAlg},
		{name: "JWT形式でない", token: "not-a-jwt"},
		{name: "空文字", token: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name+"のトークンはErrInvalidTokenになること", func(t *testing.T) {
			t.Parallel()

			_, err := ParseJWT(testSecret, tt.token)
			if !errors.Is(err, ErrInvalidToken) {
				t.Errorf("ParseJWT() error = %v, want ErrInvalidToken", err)
			}
		})
	}
}

// TestJWTAuth はJWTAuthミドルウェアを検証する。
func TestJWTAuth(t *testing.T) {
	t.Parallel()

	t.Run("有効なトークンでクレームがコンテキストに設定されること", func(t *testing.T) {
		t.Parallel()

		token, err := GenerateJWT(testSecret, 7, "me@example.com", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := httptest.NewRecorder()
		newProtectedRouter().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var body struct {
			UserID  int64  `json:"user_id"`
			Email   string `json:"email"`
			XUserID string `json:"x_user_id"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body.UserID != 7 || body.Email != "me@example.com" {
			t.Errorf("body = %+v", body)
		}
		if body.XUserID != "7" {
			t.Errorf("リクエストのX-User-ID = %q, want %q", body.XUserID, "7")
		}
		if got := w.Header().Get(headerKeyUserID); got != "" {
			t.Errorf("レスポンスにX-User-IDが含まれている: %q", got)
		}
	})

	t.Run("クライアントが送ったX-User-IDは検証済みの値で上書きされること", func(t *testing.T) {
		t.Parallel()

		token, err := GenerateJWT(testSecret, 7, "me@example.com", time.Hour)
		if err != nil {
			t.Fatalf("GenerateJWT()でエラーが発生: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/me", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set(headerKeyUserID, "999")
		w := httptest.NewRecorder()
		newProtectedRouter().ServeHTTP(w, req)

		var body struct {
			XUserID string `json:"x_user_id"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body.XUserID != "7" {
			t.Errorf("リクエストのX-User-ID = %q, want %q", body.XUserID, "7")
		}
	})

	tests := []struct {
		name   string
		header string
	}{
		{name: "Authorizationヘッダーが無い", header: ""},
		{name: "Bearer接頭辞が無い", header: "Token abc"},
		{name: "無効なトークン", header: "Bearer invalid-token"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"場合401が返ること", func(t *testing.T) {
			t.Parallel()

			req := httptest.NewRequest(http.MethodGet, "/me", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			newProtectedRouter().ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
			var body map[string]string
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("レスポンスボディのパースに失敗: %v", err)
			}
			if body["error"] == "" {
				t.Error("エラーメッセージが含まれていない")
			}
		})
	}
}

// TestGetUserID はGetUserID関数を検証する。
func TestGetUserID(t *testing.T) {
	t.Parallel()

	t.Run("user_idが設定されていない場合は0が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		if got := GetUserID(c); got != 0 {
			t.Errorf("GetUserID() = %d, want 0", got)
		}
	})

	t.Run("user_idがint64以外の型の場合は0が返ること", func(t *testing.T) {
		t.Parallel()

		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Set("user_id", "12")
		if got := GetUserID(c); got != 0 {
			t.Errorf("GetUserID() = %d, want 0", got)
		}
	})
}
