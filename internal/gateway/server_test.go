package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/golang-jwt/jwt/v5"
	"github.com/nao1215/gateway/internal/proxy"
	"github.com/nao1215/gateway/internal/registry"
	"github.com/nao1215/gateway/pkg/event"
	"github.com/nao1215/gateway/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testSecret はテスト用の署名秘密鍵。
const testSecret = "test-secret-key"

// testConfig はテスト用の設定を返す。監査ログはインメモリSQLiteを使用する。
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Keys = []middleware.SigningKey{{Secret: testSecret}}
	return cfg
}

// newTestServer はテスト用のGatewayサーバーを生成する。
func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()

	s, err := NewServer(context.Background(), cfg, log.NewNopLogger())
	if err != nil {
		t.Fatalf("NewServer()でエラーが発生: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// validToken はテスト用の有効なトークンを生成する。
func validToken(t *testing.T) string {
	t.Helper()

	token, err := middleware.GenerateToken(middleware.SigningKey{Secret: testSecret}, "1234567890", DefaultIssuer, 0)
	if err != nil {
		t.Fatalf("トークンの生成に失敗: %v", err)
	}
	return token
}

// signClaims は任意のクレームでトークンに署名する。
func signClaims(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("トークンの署名に失敗: %v", err)
	}
	return token
}

// doRequest はGatewayにリクエストを送り、レスポンスを記録して返す。
// tokenが空でなければAuthorizationヘッダーに設定する。
func doRequest(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// register はサービスを登録し、成功したことを確認する。
func register(t *testing.T, s *Server, name, address string) {
	t.Helper()

	w := doRequest(s, http.MethodPost, RegisterPath, name+","+address, "")
	if w.Code != http.StatusOK {
		t.Fatalf("登録に失敗: status=%d, body=%s", w.Code, w.Body.String())
	}
}

// helloBackend は固定のJSONを返すテスト用バックエンドを起動する。
func helloBackend(t *testing.T) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message": "Hello from the Service!"}`))
	}))
	t.Cleanup(backend.Close)
	return backend
}

// decodeBody はレスポンスボディをJSONオブジェクトとして読み取る。
func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのパースに失敗: %v, body=%s", err, w.Body.String())
	}
	return body
}

// TestEndToEnd は登録から転送までの一連の流れを検証する。
func TestEndToEnd(t *testing.T) {
	t.Parallel()

	t.Run("登録したサービスに認証済みリクエストが転送されフィールドが追加されること", func(t *testing.T) {
		t.Parallel()

		var gotPath, gotMarker, gotUser string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotMarker = r.Header.Get(proxy.MarkerHeader)
			gotUser = r.Header.Get("X-User-ID")
			_, _ = w.Write([]byte(`{"message": "Hello from the Service!"}`))
		}))
		t.Cleanup(backend.Close)

		s := newTestServer(t, testConfig())
		// スキーム無しのアドレスで登録する
		register(t, s, "hello_service", strings.TrimPrefix(backend.URL, "http://"))

		w := doRequest(s, http.MethodGet, "/hello_service/anything", "", validToken(t))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d, body=%s", w.Code, http.StatusOK, w.Body.String())
		}
		body := decodeBody(t, w)
		if body["message"] != "Hello from the Service!" {
			t.Errorf("message = %v", body["message"])
		}
		if body["custom"] != "This data is added by the gateway" {
			t.Errorf("custom = %v", body["custom"])
		}
		if got := w.Header().Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q, want %q", got, "application/json")
		}
		if gotPath != "/anything" {
			t.Errorf("バックエンドが受け取ったパス = %q, want %q", gotPath, "/anything")
		}
		if gotMarker != "My API Gateway" {
			t.Errorf("%s = %q", proxy.MarkerHeader, gotMarker)
		}
		if gotUser != "1234567890" {
			t.Errorf("X-User-ID = %q, want %q", gotUser, "1234567890")
		}
	})

	t.Run("同一クライアントの6回目のリクエストは429になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "hello_service", helloBackend(t).URL)
		token := validToken(t)

		for i := 1; i <= 5; i++ {
			if w := doRequest(s, http.MethodGet, "/hello_service/anything", "", token); w.Code != http.StatusOK {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, w.Code, http.StatusOK)
			}
		}
		w := doRequest(s, http.MethodGet, "/hello_service/anything", "", token)
		if w.Code != http.StatusTooManyRequests {
			t.Errorf("6回目のステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if w.Body.String() != "Too many requests" {
			t.Errorf("Body = %q, want %q", w.Body.String(), "Too many requests")
		}
	})

	t.Run("トークンが無いリクエストは401になりバックエンドに届かないこと", func(t *testing.T) {
		t.Parallel()

		var calls atomic.Int32
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			_, _ = w.Write([]byte(`{}`))
		}))
		t.Cleanup(backend.Close)

		s := newTestServer(t, testConfig())
		register(t, s, "hello_service", backend.URL)

		w := doRequest(s, http.MethodGet, "/hello_service/anything", "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
		}
		if w.Body.String() != "Unauthorized" {
			t.Errorf("Body = %q, want %q", w.Body.String(), "Unauthorized")
		}
		if calls.Load() != 0 {
			t.Error("認証に失敗したリクエストがバックエンドに転送された")
		}
	})

	t.Run("カンマの無い登録は400になりレジストリが変わらないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := doRequest(s, http.MethodPost, RegisterPath, "svc", "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if w.Body.String() != msgInvalidRegistration {
			t.Errorf("Body = %q", w.Body.String())
		}
		if s.registry.Len() != 0 {
			t.Errorf("レジストリの件数 = %d, want 0", s.registry.Len())
		}
	})
}

// TestAdmission はレート制限と認証の順序と管理用パスの扱いを検証する。
func TestAdmission(t *testing.T) {
	t.Parallel()

	t.Run("レート制限は認証より先に判定されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		for i := 1; i <= 5; i++ {
			if w := doRequest(s, http.MethodGet, "/svc/x", "", "invalid"); w.Code != http.StatusUnauthorized {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i, w.Code, http.StatusUnauthorized)
			}
		}
		if w := doRequest(s, http.MethodGet, "/svc/x", "", validToken(t)); w.Code != http.StatusTooManyRequests {
			t.Errorf("6回目のステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
	})

	t.Run("識別子の種類に応じて接続元ポートの扱いが変わること", func(t *testing.T) {
		t.Parallel()

		for _, tt := range []struct {
			kind       string
			secondCode int
		}{
			{kind: RateLimitKeyAddr, secondCode: http.StatusUnauthorized},
			{kind: RateLimitKeyIP, secondCode: http.StatusTooManyRequests},
		} {
			cfg := testConfig()
			cfg.RateLimit.Ceiling = 1
			cfg.RateLimitKey = tt.kind
			s := newTestServer(t, cfg)

			for i, port := range []string{"50000", "50001"} {
				req := httptest.NewRequest(http.MethodGet, "/svc/x", nil)
				req.RemoteAddr = "192.0.2.10:" + port
				w := httptest.NewRecorder()
				s.Handler().ServeHTTP(w, req)

				want := http.StatusUnauthorized
				if i == 1 {
					want = tt.secondCode
				}
				if w.Code != want {
					t.Errorf("%s: %d回目のステータスコード = %d, want %d", tt.kind, i+1, w.Code, want)
				}
			}
		}
	})

	t.Run("管理用パスはレート制限と認証の対象外であること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		for i := 0; i < 10; i++ {
			if w := doRequest(s, http.MethodPost, RegisterPath, fmt.Sprintf("svc-%d,http://127.0.0.1:1", i), ""); w.Code != http.StatusOK {
				t.Fatalf("%d回目の登録のステータスコード = %d", i+1, w.Code)
			}
			if w := doRequest(s, http.MethodPost, DeregisterPath, "unknown", ""); w.Code != http.StatusOK {
				t.Fatalf("%d回目の登録解除のステータスコード = %d", i+1, w.Code)
			}
		}
		if s.limiter.Len() != 0 {
			t.Errorf("レート制限の追跡数 = %d, want 0", s.limiter.Len())
		}
	})

	tests := []struct {
		name  string
		token func(t *testing.T) string
	}{
		{
			name: "期限切れのトークン",
			token: func(t *testing.T) string {
				return signClaims(t, testSecret, jwt.RegisteredClaims{
					Subject:   "1234567890",
					Issuer:    DefaultIssuer,
					ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
				})
			},
		},
		{
			name: "発行者が異なるトークン",
			token: func(t *testing.T) string {
				return signClaims(t, testSecret, jwt.RegisteredClaims{Subject: "1234567890", Issuer: "other_issuer"})
			},
		},
		{
			name: "異なる鍵で署名したトークン",
			token: func(t *testing.T) string {
				return signClaims(t, "other-secret", jwt.RegisteredClaims{Subject: "1234567890", Issuer: DefaultIssuer})
			},
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name+"は401になること", func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, testConfig())
			register(t, s, "hello_service", helloBackend(t).URL)
			if w := doRequest(s, http.MethodGet, "/hello_service/x", "", tt.token(t)); w.Code != http.StatusUnauthorized {
				t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusUnauthorized)
			}
		})
	}

	t.Run("Bearer接頭辞付きのトークンも受け付けること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "hello_service", helloBackend(t).URL)
		if w := doRequest(s, http.MethodGet, "/hello_service/x", "", "Bearer "+validToken(t)); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("ローテーション中の旧鍵で署名したトークンを受け付けること", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.Keys = []middleware.SigningKey{{ID: "2026-02", Secret: "new-secret"}, {ID: "2026-01", Secret: "old-secret"}}
		s := newTestServer(t, cfg)
		register(t, s, "hello_service", helloBackend(t).URL)

		oldToken, err := middleware.GenerateToken(cfg.Keys[1], "1234567890", DefaultIssuer, time.Hour)
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}
		if w := doRequest(s, http.MethodGet, "/hello_service/x", "", oldToken); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})
}

// TestProxyRouting はサービス名の解決と転送時のエラーを検証する。
func TestProxyRouting(t *testing.T) {
	t.Parallel()

	routingErrors := []struct {
		name     string
		path     string
		register [2]string
		wantCode int
		wantBody string
	}{
		{name: "ルートパス", path: "/", wantCode: http.StatusBadRequest, wantBody: msgInvalidRequestURI},
		{name: "先頭セグメントが空のパス", path: "//svc", wantCode: http.StatusBadRequest, wantBody: msgInvalidRequestURI},
		{name: "未登録のサービス", path: "/unknown/x", wantCode: http.StatusNotFound, wantBody: msgServiceNotFound},
		{
			name:     "URIにならないアドレス",
			path:     "/broken/x",
			register: [2]string{"broken", "exa mple.com:9090"},
			wantCode: http.StatusBadRequest,
			wantBody: msgInvalidServiceURI,
		},
	}
	for _, tt := range routingErrors {
		tt := tt
		t.Run(tt.name+"は"+http.StatusText(tt.wantCode)+"になること", func(t *testing.T) {
			t.Parallel()

			s := newTestServer(t, testConfig())
			if tt.register[0] != "" {
				register(t, s, tt.register[0], tt.register[1])
			}
			w := doRequest(s, http.MethodGet, tt.path, "", validToken(t))
			if w.Code != tt.wantCode {
				t.Errorf("ステータスコード = %d, want %d", w.Code, tt.wantCode)
			}
			if w.Body.String() != tt.wantBody {
				t.Errorf("Body = %q, want %q", w.Body.String(), tt.wantBody)
			}
		})
	}

	t.Run("パスの残りとクエリ文字列とステータスコードが引き継がれること", func(t *testing.T) {
		t.Parallel()

		var gotURI string
		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotURI = r.URL.RequestURI()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id": 1}`))
		}))
		t.Cleanup(backend.Close)

		s := newTestServer(t, testConfig())
		register(t, s, "items", backend.URL+"/api")

		w := doRequest(s, http.MethodPost, "/items/v1/list?limit=10&sort=asc", `{"name":"x"}`, validToken(t))
		if w.Code != http.StatusCreated {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusCreated)
		}
		if gotURI != "/api/v1/list?limit=10&sort=asc" {
			t.Errorf("バックエンドが受け取ったURI = %q", gotURI)
		}
		if body := decodeBody(t, w); body["id"] != float64(1) {
			t.Errorf("id = %v", body["id"])
		}
	})

	t.Run("エスケープされたサービス名を解決できること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "hello service", helloBackend(t).URL)
		if w := doRequest(s, http.MethodGet, "/hello%20service/x", "", validToken(t)); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("JSONでないレスポンスは502になること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("plain text"))
		}))
		t.Cleanup(backend.Close)

		s := newTestServer(t, testConfig())
		register(t, s, "text", backend.URL)
		w := doRequest(s, http.MethodGet, "/text/x", "", validToken(t))
		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
		}
		if w.Body.String() != "Failed to parse upstream response" {
			t.Errorf("Body = %q", w.Body.String())
		}
	})

	t.Run("接続できないバックエンドは502になること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.NotFoundHandler())
		addr := backend.URL
		backend.Close()

		s := newTestServer(t, testConfig())
		register(t, s, "down", addr)
		w := doRequest(s, http.MethodGet, "/down/x", "", validToken(t))
		if w.Code != http.StatusBadGateway {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadGateway)
		}
		if w.Body.String() != msgUpstreamUnavailable {
			t.Errorf("Body = %q", w.Body.String())
		}
	})

	t.Run("転送がタイムアウトした場合は504になること", func(t *testing.T) {
		t.Parallel()

		backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(5 * time.Second):
			}
		}))
		t.Cleanup(backend.Close)

		cfg := testConfig()
		cfg.ForwardTimeout = 50 * time.Millisecond
		s := newTestServer(t, cfg)
		register(t, s, "slow", backend.URL)

		w := doRequest(s, http.MethodGet, "/slow/x", "", validToken(t))
		if w.Code != http.StatusGatewayTimeout {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusGatewayTimeout)
		}
	})

	t.Run("上書き登録後は新しいアドレスに転送されること", func(t *testing.T) {
		t.Parallel()

		oldBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"from":"old"}`))
		}))
		t.Cleanup(oldBackend.Close)
		newBackend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"from":"new"}`))
		}))
		t.Cleanup(newBackend.Close)

		s := newTestServer(t, testConfig())
		register(t, s, "svc", oldBackend.URL)
		register(t, s, "svc", newBackend.URL)

		w := doRequest(s, http.MethodGet, "/svc/x", "", validToken(t))
		if body := decodeBody(t, w); body["from"] != "new" {
			t.Errorf("from = %v, want %q", body["from"], "new")
		}
	})

	t.Run("登録解除後は404になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "hello_service", helloBackend(t).URL)
		if w := doRequest(s, http.MethodPost, DeregisterPath, "hello_service", ""); w.Code != http.StatusOK {
			t.Fatalf("登録解除のステータスコード = %d", w.Code)
		}
		if w := doRequest(s, http.MethodGet, "/hello_service/x", "", validToken(t)); w.Code != http.StatusNotFound {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusNotFound)
		}
	})
}

// TestAdministration は管理用パスを検証する。
func TestAdministration(t *testing.T) {
	t.Parallel()

	t.Run("登録と登録解除が確認メッセージを返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := doRequest(s, http.MethodPost, RegisterPath, "hello_service,http://localhost:9090\n", "")
		if w.Code != http.StatusOK || w.Body.String() != "Service registered successfully" {
			t.Errorf("登録: status=%d, body=%q", w.Code, w.Body.String())
		}
		if address, ok := s.registry.Lookup("hello_service"); !ok || address != "http://localhost:9090" {
			t.Errorf("Lookup() = %q, %v", address, ok)
		}

		w = doRequest(s, http.MethodPost, DeregisterPath, "hello_service", "")
		if w.Code != http.StatusOK || w.Body.String() != "Service deregistered successfully" {
			t.Errorf("登録解除: status=%d, body=%q", w.Code, w.Body.String())
		}
		if _, ok := s.registry.Lookup("hello_service"); ok {
			t.Error("登録解除後もサービスが残っている")
		}
	})

	t.Run("上限を超えるボディは413になりレジストリを変更しないこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "svc", "http://localhost:9090")

		oversized := "svc,http://h/" + strings.Repeat("a", maxAdminBodySize)
		w := doRequest(s, http.MethodPost, RegisterPath, oversized, "")
		if w.Code != http.StatusRequestEntityTooLarge || w.Body.String() != msgBodyTooLarge {
			t.Errorf("登録: status=%d, body=%q", w.Code, w.Body.String())
		}
		if address, _ := s.registry.Lookup("svc"); address != "http://localhost:9090" {
			t.Errorf("Lookup() = %q, 上書きされた", address)
		}

		w = doRequest(s, http.MethodPost, DeregisterPath, "svc"+strings.Repeat(" ", maxAdminBodySize), "")
		if w.Code != http.StatusRequestEntityTooLarge {
			t.Errorf("登録解除: status=%d, want %d", w.Code, http.StatusRequestEntityTooLarge)
		}
		if _, ok := s.registry.Lookup("svc"); !ok {
			t.Error("上限を超えた登録解除でサービスが削除された")
		}
	})

	t.Run("上限ちょうどのボディは受け付けること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		prefix := "svc,http://h/"
		address := "http://h/" + strings.Repeat("a", maxAdminBodySize-len(prefix))
		if w := doRequest(s, http.MethodPost, RegisterPath, "svc,"+address, ""); w.Code != http.StatusOK {
			t.Fatalf("status=%d, want %d", w.Code, http.StatusOK)
		}
		if got, _ := s.registry.Lookup("svc"); got != address {
			t.Errorf("保存されたアドレスの長さ = %d, want %d", len(got), len(address))
		}
	})

	t.Run("未登録のサービスの登録解除も成功すること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		if w := doRequest(s, http.MethodPost, DeregisterPath, "never_registered", ""); w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
	})

	t.Run("名前が空の登録解除は400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		if w := doRequest(s, http.MethodPost, DeregisterPath, "  ", ""); w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("登録済みサービスの一覧を名前順に返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "b", "http://b:1")
		register(t, s, "a", "http://a:1")

		w := doRequest(s, http.MethodGet, "/_gateway/services", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var services []registry.Service
		if err := json.Unmarshal(w.Body.Bytes(), &services); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(services) != 2 || services[0].Name != "a" || services[1].Address != "http://b:1" {
			t.Errorf("services = %+v", services)
		}
	})

	t.Run("ヘルスチェックが200を返すこと", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		w := doRequest(s, http.MethodGet, "/_gateway/health", "", "")
		if w.Code != http.StatusOK {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		if body := decodeBody(t, w); body["status"] != "ok" {
			t.Errorf("status = %v", body["status"])
		}
	})
}

// TestAuditEvents は監査ログの記録と取得を検証する。
func TestAuditEvents(t *testing.T) {
	t.Parallel()

	t.Run("登録と登録解除が新しい順に記録されること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		register(t, s, "svc", "http://old:1")
		register(t, s, "svc", "http://new:1")
		doRequest(s, http.MethodPost, DeregisterPath, "svc", "")

		w := doRequest(s, http.MethodGet, "/_gateway/events?limit=10", "", "")
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		var events []event.Event
		if err := json.Unmarshal(w.Body.Bytes(), &events); err != nil {
			t.Fatalf("レスポンスのパースに失敗: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("件数 = %d, want 3", len(events))
		}
		if events[0].EventType != event.TypeServiceDeregistered {
			t.Errorf("先頭のEventType = %q", events[0].EventType)
		}
		data, err := event.DecodeData[event.ServiceRegisteredData](&events[1])
		if err != nil {
			t.Fatalf("DecodeData()でエラーが発生: %v", err)
		}
		if data.Address != "http://new:1" || data.PreviousAddress != "http://old:1" {
			t.Errorf("data = %+v", data)
		}
		if events[1].Source != "192.0.2.1:1234" {
			t.Errorf("Source = %q", events[1].Source)
		}
	})

	t.Run("不正なlimitは400になること", func(t *testing.T) {
		t.Parallel()

		s := newTestServer(t, testConfig())
		if w := doRequest(s, http.MethodGet, "/_gateway/events?limit=abc", "", ""); w.Code != http.StatusBadRequest {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})

	t.Run("監査ログが無効の場合は503になること", func(t *testing.T) {
		t.Parallel()

		cfg := testConfig()
		cfg.AuditDBPath = AuditDisabled
		s := newTestServer(t, cfg)
		register(t, s, "svc", "http://a:1")

		if w := doRequest(s, http.MethodGet, "/_gateway/events", "", ""); w.Code != http.StatusServiceUnavailable {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})
}

// TestMetricsEndpoint はメトリクスの公開を検証する。
func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	register(t, s, "hello_service", helloBackend(t).URL)
	doRequest(s, http.MethodGet, "/hello_service/x", "", validToken(t))
	doRequest(s, http.MethodGet, "/hello_service/x", "", "")

	w := doRequest(s, http.MethodGet, "/_gateway/metrics", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
	}
	for _, want := range []string{
		`gateway_proxy_requests_total{outcome="forwarded"} 1`,
		`gateway_proxy_requests_total{outcome="unauthorized"} 1`,
		`gateway_registry_services 1`,
		`gateway_ratelimit_tracked_clients 1`,
	} {
		if !strings.Contains(w.Body.String(), want) {
			t.Errorf("メトリクスに%qが含まれない", want)
		}
	}
}

// TestServe はサーバーの起動とグレースフルシャットダウンを検証する。
func TestServe(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, testConfig())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("リッスンに失敗: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- s.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/_gateway/health")
	if err != nil {
		cancel()
		t.Fatalf("ヘルスチェックに失敗: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("ステータスコード = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v, want nil", err)
		}
	case <-time.After(shutdownTimeout + time.Second):
		t.Fatal("キャンセル後にServeが停止しない")
	}
}

// TestParseRegistration は登録ボディの解析を検証する。
func TestParseRegistration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		body        string
		wantName    string
		wantAddress string
		wantErr     bool
	}{
		{name: "名前とアドレス", body: "hello_service,http://localhost:9090", wantName: "hello_service", wantAddress: "http://localhost:9090"},
		{name: "前後の空白と改行", body: " svc , 127.0.0.1:9090\n", wantName: "svc", wantAddress: "127.0.0.1:9090"},
		{name: "アドレスは検証しない", body: "svc,not a uri", wantName: "svc", wantAddress: "not a uri"},
		{name: "カンマが無い", body: "svc", wantErr: true},
		{name: "フィールドが3つ", body: "svc,a,b", wantErr: true},
		{name: "名前が空", body: ",http://a:1", wantErr: true},
		{name: "空のボディ", body: "", wantErr: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			name, address, err := parseRegistration(tt.body)
			if tt.wantErr {
				if err == nil {
					t.Errorf("parseRegistration(%q)がエラーを返さない", tt.body)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseRegistration(%q)でエラーが発生: %v", tt.body, err)
			}
			if name != tt.wantName || address != tt.wantAddress {
				t.Errorf("parseRegistration(%q) = %q, %q", tt.body, name, address)
			}
		})
	}
}

// TestSplitServicePath はパスの分割を検証する。
func TestSplitServicePath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path     string
		wantName string
		wantRest string
		wantOK   bool
	}{
		{path: "/hello_service/anything", wantName: "hello_service", wantRest: "/anything", wantOK: true},
		{path: "/svc", wantName: "svc", wantRest: "", wantOK: true},
		{path: "/svc/", wantName: "svc", wantRest: "/", wantOK: true},
		{path: "/svc/a%2Fb", wantName: "svc", wantRest: "/a%2Fb", wantOK: true},
		{path: "/my%20svc/x", wantName: "my svc", wantRest: "/x", wantOK: true},
		{path: "/", wantOK: false},
		{path: "//svc", wantOK: false},
		{path: "", wantOK: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.path, func(t *testing.T) {
			t.Parallel()

			name, rest, ok := splitServicePath(tt.path)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if name != tt.wantName || rest != tt.wantRest {
				t.Errorf("splitServicePath(%q) = %q, %q", tt.path, name, rest)
			}
		})
	}
}

// TestProxyCORS はCORS有効時にバックエンドのCORSヘッダーと重複しないことを検証する。
func TestProxyCORS(t *testing.T) {
	t.Parallel()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("X-Backend", "hello")
		_, _ = w.Write([]byte(`{}`))
	}))
	t.Cleanup(backend.Close)

	cfg := testConfig()
	cfg.CORSOrigins = []string{"http://front"}
	s := newTestServer(t, cfg)
	register(t, s, "svc", backend.URL)

	req := httptest.NewRequest(http.MethodGet, "/svc/x", nil)
	req.Header.Set("Origin", "http://front")
	req.Header.Set("Authorization", validToken(t))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status=%d, body=%s", w.Code, w.Body.String())
	}
	got := w.Header().Values("Access-Control-Allow-Origin")
	if len(got) != 1 || got[0] != "http://front" {
		t.Errorf("Access-Control-Allow-Origin = %q, want [http://front]", got)
	}
	if w.Header().Get("X-Backend") != "hello" {
		t.Errorf("X-Backend = %q, バックエンドのヘッダーがコピーされていない", w.Header().Get("X-Backend"))
	}
}
