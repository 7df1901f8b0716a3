// API Gatewayのエントリポイント。
// サービスの登録を受け付け、レート制限と署名付きトークンの検証を通過した
// リクエストを登録済みのバックエンドに転送する。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/log/level"
	"github.com/nao1215/gateway/internal/gateway"
	"github.com/nao1215/gateway/pkg/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Gatewayの実行に失敗: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := gateway.LoadConfig()
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("ロガーの生成に失敗: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("Gatewayサーバーの初期化に失敗: %w", err)
	}
	defer func() {
		if err := server.Close(); err != nil {
			_ = level.Error(logger).Log("msg", "リソースの解放に失敗しました", "err", err)
		}
	}()

	_ = level.Info(logger).Log(
		"msg", "Gatewayサービスを起動します",
		"addr", cfg.Addr,
		"rate_limit_ceiling", cfg.RateLimit.Ceiling,
		"rate_limit_window", cfg.RateLimit.Window,
		"rate_limit_key", cfg.RateLimitKey,
		"audit", cfg.AuditEnabled(),
	)
	return server.Run(ctx)
}
