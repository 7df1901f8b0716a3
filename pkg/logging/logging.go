// Package logging はgo-kit/logによる構造化ロガーの生成を提供する。
package logging

import (
	"fmt"
	"io"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New はlogfmt形式で出力するロガーを生成する。
// levelNameは debug / info / warn / error のいずれか。空の場合は info として扱う。
func New(w io.Writer, levelName string) (log.Logger, error) {
	option, err := levelOption(levelName)
	if err != nil {
		return nil, err
	}

	logger := log.NewLogfmtLogger(log.NewSyncWriter(w))
	logger = level.NewFilter(logger, option)
	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
	return logger, nil
}

// levelOption はレベル名をフィルタオプションに変換する。
func levelOption(name string) (level.Option, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return level.AllowDebug(), nil
	case "", "info":
		return level.AllowInfo(), nil
	case "warn", "warning":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	default:
		return nil, fmt.Errorf("不明なログレベル: %q", name)
	}
}
