package hello

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/nao1215/gateway/pkg/middleware"
)

const (
	// Message はすべてのリクエストに返すメッセージ。
	Message = "Hello from the Service!"

	// DefaultAddr は既定のリッスンアドレス。
	DefaultAddr = "127.0.0.1:9090"
	// DefaultName はGatewayに登録するサービス名の既定値。
	DefaultName = "hello_service"
	// DefaultAdvertiseURL はGatewayに登録するアドレスの既定値。
	DefaultAdvertiseURL = "http://localhost:9090"
	// DefaultGatewayURL は登録先のGatewayの既定値。
	DefaultGatewayURL = "http://localhost:8080"

	shutdownTimeout = 5 * time.Second
)

// Config はHelloサービスの設定。
type Config struct {
	// Addr はリッスンアドレス。
	Addr string
	// Name はGatewayに登録するサービス名。
	Name string
	// AdvertiseURL はGatewayに登録するアドレス。
	AdvertiseURL string
	// GatewayURL は登録先のGatewayのベースURL。空の場合は登録しない。
	GatewayURL string
}

// LoadConfig は環境変数から設定を読み込む。
func LoadConfig() Config {
	return Config{
		Addr:         getEnvOr("HELLO_ADDR", DefaultAddr),
		Name:         getEnvOr("HELLO_SERVICE_NAME", DefaultName),
		AdvertiseURL: getEnvOr("HELLO_ADVERTISE_URL", DefaultAdvertiseURL),
		GatewayURL:   getEnvOr("GATEWAY_URL", DefaultGatewayURL),
	}
}

// Server はHelloサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// cfg はサービスの設定。
	cfg Config
	// gateway は登録先のGatewayクライアント。登録しない場合はnil。
	gateway *httpclient.Client
	// logger はログ出力先。
	logger log.Logger
}

// NewServer は新しいHelloサーバーを生成する。
func NewServer(cfg Config, logger log.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.AccessLog(logger))

	s := &Server{
		router: router,
		cfg:    cfg,
		logger: logger,
	}
	if cfg.GatewayURL != "" {
		s.gateway = httpclient.New(cfg.GatewayURL)
	}
	s.setupRoutes()
	return s
}

// setupRoutes はルーティングを設定する。すべてのパスとメソッドに同じ応答を返す。
func (s *Server) setupRoutes() {
	s.router.RedirectTrailingSlash = false
	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": Message})
	})
}

// Handler はHelloサービスのHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("リッスンに失敗: %w", err)
	}
	return s.Serve(ctx, ln)
}

// Serve はlnでリクエストを受け付け、Gatewayに自身を登録する。
// 登録に失敗してもサービスは起動したままにする。
// ctxがキャンセルされると登録を解除してから停止する。
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	_ = level.Info(s.logger).Log("msg", "Helloサービスを起動しました", "addr", ln.Addr().String())

	s.register(ctx)

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTPサーバーが異常終了: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	s.deregister(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("グレースフルシャットダウンに失敗: %w", err)
	}
	return nil
}

// register はGatewayに自身を登録する。
func (s *Server) register(ctx context.Context) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.RegisterService(ctx, s.cfg.Name, s.cfg.AdvertiseURL); err != nil {
		_ = level.Error(s.logger).Log("msg", "Gatewayへの登録に失敗しました", "gateway", s.cfg.GatewayURL, "err", err)
		return
	}
	_ = level.Info(s.logger).Log("msg", "Gatewayに登録しました", "service", s.cfg.Name, "address", s.cfg.AdvertiseURL)
}

// deregister はGatewayから自身の登録を解除する。
func (s *Server) deregister(ctx context.Context) {
	if s.gateway == nil {
		return
	}
	if err := s.gateway.DeregisterService(ctx, s.cfg.Name); err != nil {
		_ = level.Warn(s.logger).Log("msg", "Gatewayからの登録解除に失敗しました", "err", err)
	}
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
