// Helloサービスのエントリポイント。
// Gatewayの動作確認用に、すべてのパスに固定のJSONメッセージを返す。
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nao1215/gateway/internal/hello"
	"github.com/nao1215/gateway/pkg/logging"
)

func main() {
	logger, err := logging.New(os.Stderr, os.Getenv("LOG_LEVEL"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "ロガーの生成に失敗: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := hello.NewServer(hello.LoadConfig(), logger)
	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Helloサービスの実行に失敗: %v\n", err)
		os.Exit(1)
	}
}
