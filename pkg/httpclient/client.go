package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nao1215/gateway/pkg/jsoncodec"
)

const (
	// RegisterPath はサービス登録のパス。
	RegisterPath = "/register_service"
	// DeregisterPath はサービス登録解除のパス。
	DeregisterPath = "/deregister_service"
)

// StatusError は2xx以外のレスポンスを表す。
type StatusError struct {
	// StatusCode はレスポンスのステータスコード。
	StatusCode int
	// Body はレスポンスボディ。
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// Client はGatewayとの通信用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先のベースURL。
	baseURL string
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先のベースURL（例: "http://127.0.0.1:8080"）を指定する。
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// RegisterService はnameとaddressの組をGatewayに登録する。
func (c *Client) RegisterService(ctx context.Context, name, address string) error {
	_, err := c.PostText(ctx, RegisterPath, name+","+address)
	return err
}

// DeregisterService はnameの登録をGatewayから削除する。
func (c *Client) DeregisterService(ctx context.Context, name string) error {
	_, err := c.PostText(ctx, DeregisterPath, name)
	return err
}

// PostText は指定パスにプレーンテキストのボディでPOSTリクエストを送信し、レスポンスボディを返す。
func (c *Client) PostText(ctx context.Context, path, body string) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, path, strings.NewReader(body), "text/plain; charset=utf-8")
	if err != nil {
		return "", err
	}
	return string(resp), nil
}

// GetJSON は指定パスにGETリクエストを送信する。
// レスポンスボディをresultにデシリアライズする。
func (c *Client) GetJSON(ctx context.Context, path string, result any) error {
	body, err := c.do(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	if result != nil {
		if err := jsoncodec.Unmarshal(body, result); err != nil {
			return fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return nil
}

// Get は指定パスにGETリクエストを送信し、ステータスコードにかかわらずレスポンスを返す。
func (c *Client) Get(ctx context.Context, path string) (int, []byte, error) {
	resp, err := c.send(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}
	return resp.StatusCode, body, nil
}

// do はHTTPリクエストを実行し、2xxの場合はレスポンスボディを返す共通処理。
func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, error) {
	resp, err := c.send(ctx, method, path, body, contentType)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み取りに失敗: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}
	return respBody, nil
}

// send はリクエストを組み立てて送信する。
func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	url := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	// コンテキストからトークンを伝播する
	if token, ok := ctx.Value(contextKeyToken).(string); ok {
		req.Header.Set("Authorization", token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	return resp, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyToken はコンテキストに署名付きトークンを格納するためのキー。
const contextKeyToken contextKey = "token"

// WithToken はコンテキストに署名付きトークンを設定する。
// 設定したトークンはAuthorizationヘッダーにそのまま付与される。
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, contextKeyToken, token)
}
