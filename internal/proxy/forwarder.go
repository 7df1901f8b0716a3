package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/gateway/pkg/jsoncodec"
)

const (
	// MarkerHeader はGatewayが書き換えたリクエストであることを示すヘッダー。
	MarkerHeader = "X-Custom-Header"
	// MarkerValue はMarkerHeaderの値。
	MarkerValue = "My API Gateway"
	// InjectedField はレスポンスJSONに追加するフィールド名。
	InjectedField = "custom"
	// InjectedValue はInjectedFieldの値。
	InjectedValue = "This data is added by the gateway"
	// RequestIDHeader はリクエストIDを伝播するヘッダー。
	RequestIDHeader = "X-Request-ID"

	// DefaultTimeout は転送1回あたりのタイムアウトの既定値。
	DefaultTimeout = 30 * time.Second
)

var (
	// ErrInvalidTarget は解決したアドレスから転送先URIを組み立てられないことを表す。
	ErrInvalidTarget = errors.New("invalid service URI")
	// ErrUpstreamUnavailable はバックエンドとの通信に失敗したことを表す。
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrUpstreamTimeout はバックエンドが時間内に応答しなかったことを表す。
	ErrUpstreamTimeout = errors.New("upstream timeout")
	// ErrInvalidUpstreamBody はバックエンドのレスポンスがJSONオブジェクトでないことを表す。
	ErrInvalidUpstreamBody = errors.New("failed to parse upstream response")
)

// hopHeaders は転送時に引き継がないホップバイホップヘッダー。
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Response は加工済みのバックエンドレスポンス。
type Response struct {
	// StatusCode はバックエンドが返したステータスコード。
	StatusCode int
	// Header はクライアントに返すヘッダー。
	Header http.Header
	// Body はフィールドを追加した後のJSON。
	Body []byte
}

// Forwarder はリクエストをバックエンドに転送し、レスポンスを加工する。
// 内部のHTTPクライアント（コネクションプール）は全リクエストで共有する。
type Forwarder struct {
	// client はバックエンドへの送信に使用するHTTPクライアント。
	client *http.Client
	// timeout は転送1回あたりの上限時間。0以下の場合は上限を設けない。
	timeout time.Duration
}

// New は新しいForwarderを生成する。clientがnilの場合は既定のクライアントを使用する。
func New(client *http.Client, timeout time.Duration) *Forwarder {
	if client == nil {
		client = &http.Client{
			Transport: http.DefaultTransport.(*http.Transport).Clone(),
			// リダイレクトはクライアントにそのまま返す
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Forwarder{client: client, timeout: timeout}
}

// BuildTarget は解決済みアドレスに残りのパスとクエリ文字列を連結し、転送先URLを組み立てる。
// スキームが無いアドレスには "http://" を補う。
func BuildTarget(address, path, rawQuery string) (*url.URL, error) {
	base := strings.TrimSpace(address)
	if base == "" {
		return nil, fmt.Errorf("%w: empty address", ErrInvalidTarget)
	}
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	if path != "" {
		base = strings.TrimRight(base, "/") + path
	}
	if rawQuery != "" {
		base += "?" + rawQuery
	}

	target, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidTarget, target.Scheme)
	}
	if target.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidTarget)
	}
	return target, nil
}

// Forward はinをtargetに転送し、レスポンスJSONにフィールドを追加して返す。
// ctxがキャンセルされた場合やタイムアウトした場合は送信中のリクエストも中断する。
func (f *Forwarder) Forward(ctx context.Context, in *http.Request, target *url.URL) (*Response, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	out, err := newOutboundRequest(ctx, in, target)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTarget, err)
	}

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classify(ctx, err)
	}

	transformed, err := injectField(body)
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	removeHopHeaders(header)
	header.Del("Content-Length")
	header.Del("Content-Encoding")
	header.Set("Content-Type", "application/json")

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       transformed,
	}, nil
}

// newOutboundRequest は転送用のリクエストを組み立てる。
// URI以外（メソッド、ヘッダー、ボディ）は元のリクエストを引き継ぐ。
func newOutboundRequest(ctx context.Context, in *http.Request, target *url.URL) (*http.Request, error) {
	out, err := http.NewRequestWithContext(ctx, in.Method, target.String(), in.Body)
	if err != nil {
		return nil, err
	}
	out.ContentLength = in.ContentLength

	out.Header = in.Header.Clone()
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	removeHopHeaders(out.Header)
	// 圧縮の交渉はTransportに任せ、レスポンスを展開済みで受け取る
	out.Header.Del("Accept-Encoding")
	out.Header.Set(MarkerHeader, MarkerValue)

	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.New().String())
	}
	if clientIP, _, err := net.SplitHostPort(in.RemoteAddr); err == nil {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			clientIP = prior + ", " + clientIP
		}
		out.Header.Set("X-Forwarded-For", clientIP)
	}
	return out, nil
}

// injectField はbodyをJSONオブジェクトとして解釈し、InjectedFieldを追加して再シリアライズする。
// JSONのnullは空オブジェクトとして扱う。
func injectField(body []byte) ([]byte, error) {
	var data map[string]any
	if err := jsoncodec.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpstreamBody, err)
	}
	if data == nil {
		data = make(map[string]any, 1)
	}
	data[InjectedField] = InjectedValue

	out, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidUpstreamBody, err)
	}
	return out, nil
}

// classify は送受信時のエラーをタイムアウトとそれ以外に分類する。
func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

// removeHopHeaders はhにConnectionヘッダーで指定されたものを含むホップバイホップヘッダーを削除する。
func removeHopHeaders(h http.Header) {
	for _, field := range h.Values("Connection") {
		for _, name := range strings.Split(field, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopHeaders {
		h.Del(name)
	}
}
