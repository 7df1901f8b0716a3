package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nao1215/gateway/internal/audit"
	"github.com/nao1215/gateway/internal/metrics"
	"github.com/nao1215/gateway/internal/proxy"
	"github.com/nao1215/gateway/internal/ratelimit"
	"github.com/nao1215/gateway/internal/registry"
	"github.com/nao1215/gateway/pkg/event"
	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

const (
	// RegisterPath はサービス登録のパス。
	RegisterPath = "/register_service"
	// DeregisterPath はサービス登録解除のパス。
	DeregisterPath = "/deregister_service"

	// shutdownTimeout はグレースフルシャットダウンの上限時間。
	shutdownTimeout = 5 * time.Second
	// maxAdminBodySize は管理用パスで読み取るボディの上限。
	maxAdminBodySize = 64 << 10
)

// クライアントに返すエラーメッセージ。
const (
	msgInvalidRegistration   = "invalid registration payload: expected name,address"
	msgInvalidDeregistration = "invalid deregistration payload: expected name"
	msgBodyTooLarge          = "request body too large"
	msgInvalidRequestURI     = "invalid request URI"
	msgServiceNotFound       = "service not found"
	msgInvalidServiceURI     = "invalid service URI"
	msgInvalidUpstreamBody   = "Failed to parse upstream response"
	msgUpstreamUnavailable   = "upstream service unavailable"
	msgUpstreamTimeout       = "upstream service timed out"
)

var (
	errInvalidRegistration   = errors.New("invalid registration payload")
	errInvalidDeregistration = errors.New("invalid deregistration payload")
	errBodyTooLarge          = errors.New("request body too large")
)

// Server はAPI GatewayのHTTPサーバー。
// すべての共有状態は生成時に注入され、リクエスト間で共有される。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// addr はサーバーのリッスンアドレス。
	addr string
	// registry はサービス名からアドレスへの対応。
	registry *registry.Registry
	// limiter はクライアントごとのレート制限。
	limiter *ratelimit.Limiter
	// clientKey はレート制限の識別子をリクエストから取り出す。
	clientKey func(*gin.Context) string
	// verifier は署名付きトークンの検証器。
	verifier *middleware.TokenVerifier
	// forwarder はバックエンドへの転送を行う。
	forwarder *proxy.Forwarder
	// audit はレジストリ変更の監査ログ。無効の場合はnil。
	audit *audit.Store
	// metrics はPrometheusメトリクス。
	metrics *metrics.Metrics
	// gatherer は/_gateway/metricsで公開するレジストリ。
	gatherer prometheus.Gatherer
	// corsOrigins はクロスオリジンリクエストを許可するオリジン。
	corsOrigins []string
	// evictInterval はアイドル状態のクライアントを破棄する間隔。
	evictInterval time.Duration
	// logger はログ出力先。
	logger log.Logger
}

// NewServer は新しいGatewayサーバーを生成する。
func NewServer(ctx context.Context, cfg Config, logger log.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定が不正: %w", err)
	}

	verifier, err := middleware.NewTokenVerifier(cfg.Issuer, cfg.Keys...)
	if err != nil {
		return nil, fmt.Errorf("トークン検証器の生成に失敗: %w", err)
	}
	if cfg.UsingDevSecret {
		_ = level.Warn(logger).Log("msg", "署名鍵が設定されていないため開発用の秘密鍵を使用します", "env", envJWTSecret)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := metrics.New(promRegistry)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.RateLimit)
	if err := metrics.RegisterLimiterClients(promRegistry, limiter.Len); err != nil {
		return nil, err
	}

	var store *audit.Store
	if cfg.AuditEnabled() {
		store, err = audit.Open(ctx, cfg.AuditDBPath, logger)
		if err != nil {
			return nil, err
		}
	}

	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.AccessLog(logger))

	s := &Server{
		router:        router,
		addr:          cfg.Addr,
		registry:      registry.New(),
		limiter:       limiter,
		clientKey:     clientKeyFunc(cfg.RateLimitKey),
		verifier:      verifier,
		forwarder:     proxy.New(nil, cfg.ForwardTimeout),
		audit:         store,
		metrics:       m,
		gatherer:      promRegistry,
		corsOrigins:   cfg.CORSOrigins,
		evictInterval: evictInterval(cfg.RateLimit.IdleTTL),
		logger:        logger,
	}
	s.setupRoutes()

	return s, nil
}

// clientKeyFunc は設定された識別子の種類に対応するキー関数を返す。
func clientKeyFunc(kind string) func(*gin.Context) string {
	if kind == RateLimitKeyIP {
		return middleware.ClientIP
	}
	return middleware.ClientAddr
}

// evictInterval はアイドル期限から破棄ループの間隔を決める。
func evictInterval(idleTTL time.Duration) time.Duration {
	interval := idleTTL / 2
	switch {
	case interval <= 0:
		return 0
	case interval < time.Second:
		return time.Second
	case interval > time.Minute:
		return time.Minute
	}
	return interval
}

// Handler はGatewayのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動し、ctxがキャンセルされるとグレースフルシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("リッスンに失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnでHTTPリクエストを受け付ける。
// ctxがキャンセルされると処理中のリクエストの完了を最大5秒待ってから戻る。
// 同時にレート制限のアイドル破棄ループを実行する。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_ = level.Info(s.logger).Log("msg", "API Gatewayを起動しました", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
		}
		_ = level.Info(s.logger).Log("msg", "API Gatewayを停止しました")
		return nil
	})
	g.Go(func() error {
		return s.limiter.Run(gctx, s.evictInterval)
	})
	return g.Wait()
}

// Close はサーバーが保持するリソースを解放する。
func (s *Server) Close() error {
	if s.audit == nil {
		return nil
	}
	return s.audit.Close()
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	// 末尾スラッシュの有無でリダイレクトせず、そのままバックエンドに転送する
	s.router.RedirectTrailingSlash = false
	s.router.RedirectFixedPath = false

	if len(s.corsOrigins) > 0 {
		s.router.Use(middleware.CORS(s.corsOrigins))
	}

	// 管理用パス（レート制限・認証なし）
	s.router.POST(RegisterPath, s.handleRegister())
	s.router.POST(DeregisterPath, s.handleDeregister())

	// 運用向けエンドポイント
	ops := s.router.Group("/_gateway")
	{
		ops.GET("/health", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
		})
		ops.GET("/services", s.handleListServices())
		ops.GET("/events", s.handleListEvents())
		ops.GET("/metrics", gin.WrapH(metrics.Handler(s.gatherer)))
	}

	// それ以外はすべてバックエンドへの転送対象
	s.router.NoRoute(
		middleware.RateLimit(s.limiter, s.clientKey, s.onRateLimited),
		middleware.TokenAuth(s.verifier, s.onUnauthorized),
		s.handleProxy(),
	)
}

// handleRegister はサービス登録を処理するハンドラを返す。
// ボディは "name,address" 形式のテキスト。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readAdminBody(c)
		if err != nil {
			s.rejectAdminBody(c, err, msgInvalidRegistration)
			return
		}
		name, address, err := parseRegistration(body)
		if err != nil {
			_ = level.Debug(s.logger).Log("msg", "登録リクエストの形式が不正です", "err", err)
			c.String(http.StatusBadRequest, msgInvalidRegistration)
			return
		}

		previous, replaced := s.registry.Register(name, address)
		s.metrics.ObserveRegister(s.registry.Len())
		_ = level.Info(s.logger).Log("msg", "サービスを登録しました", "service", name, "address", address, "replaced", replaced)

		s.recordEvent(c, func() (*event.Event, error) {
			return event.ServiceRegistered(name, address, previous, c.Request.RemoteAddr)
		})
		c.String(http.StatusOK, "Service registered successfully")
	}
}

// handleDeregister はサービス登録解除を処理するハンドラを返す。
// 未登録のサービスを指定した場合も成功として扱う。
func (s *Server) handleDeregister() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readAdminBody(c)
		if err != nil {
			s.rejectAdminBody(c, err, msgInvalidDeregistration)
			return
		}
		name := strings.TrimSpace(body)
		if name == "" {
			_ = level.Debug(s.logger).Log("msg", "登録解除リクエストの形式が不正です", "err", errInvalidDeregistration)
			c.String(http.StatusBadRequest, msgInvalidDeregistration)
			return
		}

		existed := s.registry.Deregister(name)
		s.metrics.ObserveDeregister(s.registry.Len())
		_ = level.Info(s.logger).Log("msg", "サービスの登録を解除しました", "service", name, "existed", existed)

		s.recordEvent(c, func() (*event.Event, error) {
			return event.ServiceDeregistered(name, existed, c.Request.RemoteAddr)
		})
		c.String(http.StatusOK, "Service deregistered successfully")
	}
}

// recordEvent はレジストリの変更を監査ログに記録する。
// 記録に失敗しても管理リクエスト自体は成功として扱う。
func (s *Server) recordEvent(c *gin.Context, build func() (*event.Event, error)) {
	if s.audit == nil {
		return
	}
	e, err := build()
	if err == nil {
		// クライアントの切断で記録が中断されないようにする
		err = s.audit.Append(context.WithoutCancel(c.Request.Context()), e)
	}
	if err != nil {
		s.metrics.ObserveAuditFailure()
		_ = level.Error(s.logger).Log("msg", "監査ログの記録に失敗しました", "err", err)
	}
}

// handleListServices は登録済みサービスの一覧を返すハンドラを返す。
func (s *Server) handleListServices() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, s.registry.Snapshot())
	}
}

// handleListEvents は監査ログを新しい順に返すハンドラを返す。
func (s *Server) handleListEvents() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.audit == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "監査ログは無効です"})
			return
		}

		limit := 0
		if raw := c.Query("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"error": "limitは0以上の整数で指定してください"})
				return
			}
			limit = n
		}

		events, err := s.audit.List(c.Request.Context(), limit)
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "監査ログの取得に失敗しました", "err", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "監査ログの取得に失敗しました"})
			return
		}
		c.JSON(http.StatusOK, events)
	}
}

// handleProxy はサービス名を解決し、リクエストをバックエンドに転送するハンドラを返す。
func (s *Server) handleProxy() gin.HandlerFunc {
	return func(c *gin.Context) {
		name, rest, ok := splitServicePath(c.Request.URL.EscapedPath())
		if !ok {
			s.metrics.ObserveRequest(metrics.OutcomeBadRequest)
			c.String(http.StatusBadRequest, msgInvalidRequestURI)
			return
		}

		address, found := s.registry.Lookup(name)
		if !found {
			s.metrics.ObserveRequest(metrics.OutcomeNotFound)
			c.String(http.StatusNotFound, msgServiceNotFound)
			return
		}

		target, err := proxy.BuildTarget(address, rest, c.Request.URL.RawQuery)
		if err != nil {
			_ = level.Warn(s.logger).Log("msg", "転送先URIを組み立てられません", "service", name, "address", address, "err", err)
			s.metrics.ObserveRequest(metrics.OutcomeBadRequest)
			c.String(http.StatusBadRequest, msgInvalidServiceURI)
			return
		}

		start := time.Now()
		resp, err := s.forwarder.Forward(c.Request.Context(), c.Request, target)
		s.metrics.ObserveUpstream(name, time.Since(start))
		if err != nil {
			s.writeUpstreamError(c, name, err)
			return
		}

		s.metrics.ObserveRequest(metrics.OutcomeForwarded)
		copyUpstreamHeader(c.Writer.Header(), resp.Header)
		c.Data(resp.StatusCode, "application/json", resp.Body)
	}
}

// copyUpstreamHeader はバックエンドのレスポンスヘッダーをdstにコピーする。
// Gatewayが既に設定したキー（CORSヘッダーなど）はバックエンドの値で上書きせず、値の重複を防ぐ。
func copyUpstreamHeader(dst, src http.Header) {
	for k, vs := range src {
		if _, set := dst[k]; set {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// writeUpstreamError は転送時のエラーをステータスコードに変換して返す。
func (s *Server) writeUpstreamError(c *gin.Context, service string, err error) {
	_ = level.Warn(s.logger).Log("msg", "バックエンドへの転送に失敗しました", "service", service, "err", err)

	switch {
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		s.metrics.ObserveRequest(metrics.OutcomeTimeout)
		c.String(http.StatusGatewayTimeout, msgUpstreamTimeout)
	case errors.Is(err, proxy.ErrInvalidUpstreamBody):
		s.metrics.ObserveRequest(metrics.OutcomeBadGateway)
		c.String(http.StatusBadGateway, msgInvalidUpstreamBody)
	case errors.Is(err, proxy.ErrInvalidTarget):
		s.metrics.ObserveRequest(metrics.OutcomeBadRequest)
		c.String(http.StatusBadRequest, msgInvalidServiceURI)
	default:
		s.metrics.ObserveRequest(metrics.OutcomeBadGateway)
		c.String(http.StatusBadGateway, msgUpstreamUnavailable)
	}
}

// onRateLimited はレート制限で拒否したリクエストを記録する。
func (s *Server) onRateLimited(c *gin.Context) {
	s.metrics.ObserveRequest(metrics.OutcomeRateLimited)
	_ = level.Debug(s.logger).Log("msg", "レート制限により拒否しました", "client", c.Request.RemoteAddr)
}

// onUnauthorized は認証に失敗したリクエストを記録する。理由はクライアントには返さない。
func (s *Server) onUnauthorized(c *gin.Context, err error) {
	s.metrics.ObserveRequest(metrics.OutcomeUnauthorized)
	_ = level.Debug(s.logger).Log("msg", "認証に失敗しました", "client", c.Request.RemoteAddr, "err", err)
}

// readAdminBody は管理用パスのボディを読み取る。
// maxAdminBodySizeを超える場合は切り詰めずにerrBodyTooLargeを返す。
func readAdminBody(c *gin.Context) (string, error) {
	b, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxAdminBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return "", fmt.Errorf("%w: limit %d bytes", errBodyTooLarge, tooLarge.Limit)
		}
		return "", err
	}
	return string(b), nil
}

// rejectAdminBody は読み取れなかった管理用リクエストに応答する。レジストリは変更しない。
func (s *Server) rejectAdminBody(c *gin.Context, err error, invalidMsg string) {
	_ = level.Debug(s.logger).Log("msg", "管理用リクエストのボディを読み取れません", "path", c.Request.URL.Path, "err", err)
	if errors.Is(err, errBodyTooLarge) {
		c.String(http.StatusRequestEntityTooLarge, msgBodyTooLarge)
		return
	}
	c.String(http.StatusBadRequest, invalidMsg)
}

// parseRegistration は "name,address" 形式のボディを解析する。
// フィールド数が2でない場合と名前が空の場合はエラーを返す。アドレスの形式は検証しない。
func parseRegistration(body string) (name, address string, err error) {
	fields := strings.Split(strings.TrimSpace(body), ",")
	if len(fields) != 2 {
		return "", "", fmt.Errorf("%w: %d fields", errInvalidRegistration, len(fields))
	}
	name = strings.TrimSpace(fields[0])
	address = strings.TrimSpace(fields[1])
	if name == "" {
		return "", "", fmt.Errorf("%w: empty name", errInvalidRegistration)
	}
	return name, address, nil
}

// splitServicePath はエスケープ済みのパスを先頭セグメント（サービス名）と残りに分割する。
// サービス名はアンエスケープして返し、残りはエスケープされたまま返す。
// 先頭セグメントが空の場合はokがfalseになる。
func splitServicePath(escapedPath string) (name, rest string, ok bool) {
	trimmed, found := strings.CutPrefix(escapedPath, "/")
	if !found {
		return "", "", false
	}
	segment := trimmed
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		segment, rest = trimmed[:i], trimmed[i:]
	}
	if segment == "" {
		return "", "", false
	}
	name, err := url.PathUnescape(segment)
	if err != nil || name == "" {
		return "", "", false
	}
	return name, rest, true
}
