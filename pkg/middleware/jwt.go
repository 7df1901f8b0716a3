package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// SigningMethod はGatewayが受け付ける唯一の署名アルゴリズム。
var SigningMethod = jwt.SigningMethodHS256

var (
	// ErrNoTrustedKey は検証に使用する鍵が1つも設定されていないことを表す。
	ErrNoTrustedKey = errors.New("no trusted signing key configured")
	// ErrUnknownKeyID はトークンのkidに対応する鍵が存在しないことを表す。
	ErrUnknownKeyID = errors.New("unknown key id")
	// ErrMissingToken はAuthorizationヘッダーが無いことを表す。
	ErrMissingToken = errors.New("missing token")
)

// headerKeyUserID はバックエンドに認証済みのsubjectを伝播するためのHTTPヘッダーキー。
const headerKeyUserID = "X-User-ID"

// contextKeySubject はGinコンテキストにsubjectを格納するキー。
const contextKeySubject = "subject"

// Claims はトークンのクレームを表す。sub、iss、exp（任意）のみを使用する。
type Claims struct {
	jwt.RegisteredClaims
}

// SigningKey は署名鍵とその識別子。
type SigningKey struct {
	// ID はトークンヘッダーのkidに対応する識別子。空の場合はkid無しのトークン向け。
	ID string `yaml:"id"`
	// Secret はHMACの共有秘密鍵。
	Secret string `yaml:"secret"`
}

// TokenVerifier は署名付きトークンを検証する。
// 複数の鍵を信頼でき、鍵のローテーション中も旧鍵で署名されたトークンを受け付ける。
type TokenVerifier struct {
	// issuer は期待する発行者。空の場合は発行者を検証しない。
	issuer string
	// keys はkidから鍵への対応。
	keys map[string][]byte
	// order は鍵の設定順。kid無しのトークンはこの順に検証を試みる。
	order []string
	// now は現在時刻を返す。テストでは固定時計に差し替える。
	now func() time.Time
}

// NewTokenVerifier は新しいTokenVerifierを生成する。鍵が1つも無い場合はエラーを返す。
// 同じIDの鍵が複数ある場合は後のものが優先される。
func NewTokenVerifier(issuer string, keys ...SigningKey) (*TokenVerifier, error) {
	v := &TokenVerifier{
		issuer: issuer,
		keys:   make(map[string][]byte, len(keys)),
		now:    time.Now,
	}
	for _, k := range keys {
		if k.Secret == "" {
			continue
		}
		if _, dup := v.keys[k.ID]; !dup {
			v.order = append(v.order, k.ID)
		}
		v.keys[k.ID] = []byte(k.Secret)
	}
	if len(v.keys) == 0 {
		return nil, ErrNoTrustedKey
	}
	return v, nil
}

// Verify はトークンの署名、発行者、有効期限を検証し、クレームを返す。
// 有効期限が無いトークンは受け付ける。
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{SigningMethod.Alg()}),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	parser := jwt.NewParser(opts...)

	// kidがあればその鍵のみで検証する
	unverified, _, err := parser.ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return nil, fmt.Errorf("トークンの解析に失敗: %w", err)
	}
	if kid, ok := unverified.Header["kid"].(string); ok && kid != "" {
		key, found := v.keys[kid]
		if !found {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKeyID, kid)
		}
		return parseWithKey(parser, tokenString, key)
	}

	var lastErr error
	for _, id := range v.order {
		claims, err := parseWithKey(parser, tokenString, v.keys[id])
		if err == nil {
			return claims, nil
		}
		lastErr = err
		// 署名以外の理由で失敗した場合は他の鍵でも結果は変わらない
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return nil, lastErr
}

// parseWithKey は指定した鍵でトークンを検証する。
func parseWithKey(parser *jwt.Parser, tokenString string, key []byte) (*Claims, error) {
	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("予期しない署名アルゴリズム: %v", t.Header["alg"])
		}
		return key, nil
	})
	if err != nil {
		return nil, fmt.Errorf("トークンの検証に失敗: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("トークンが無効です")
	}
	return claims, nil
}

// GenerateToken は署名付きトークンを生成する。
// ttlが0以下の場合は有効期限を付けない。key.IDが空でなければヘッダーにkidを設定する。
func GenerateToken(key SigningKey, subject, issuer string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(SigningMethod, claims)
	if key.ID != "" {
		token.Header["kid"] = key.ID
	}
	signed, err := token.SignedString([]byte(key.Secret))
	if err != nil {
		return "", fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// TokenAuth はAuthorizationヘッダーのトークンを検証するGinミドルウェアを返す。
// ヘッダーには署名付きトークンをそのまま設定する（"Bearer "接頭辞は任意）。
// 理由にかかわらず検証に失敗した場合は401を返し、呼び出し元には理由を区別させない。
func TokenAuth(verifier *TokenVerifier, onReject func(c *gin.Context, err error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := strings.TrimSpace(c.GetHeader("Authorization"))
		tokenString = strings.TrimPrefix(tokenString, "Bearer ")

		claims, err := verifier.Verify(tokenString)
		if err != nil {
			if onReject != nil {
				onReject(c, err)
			}
			c.Abort()
			c.String(http.StatusUnauthorized, "Unauthorized")
			return
		}

		c.Set(contextKeySubject, claims.Subject)
		c.Request.Header.Set(headerKeyUserID, claims.Subject)
		c.Next()
	}
}

// GetSubject はGinコンテキストから認証済みのsubjectを取得する。
// TokenAuthミドルウェアが事前に適用されている必要がある。
func GetSubject(c *gin.Context) string {
	subject, _ := c.Get(contextKeySubject)
	if s, ok := subject.(string); ok {
		return s
	}
	return ""
}
