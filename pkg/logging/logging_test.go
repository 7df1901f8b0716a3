package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
)

// TestNew はロガーの生成とレベルによる絞り込みを検証する。
func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("infoレベルではdebugが出力されずinfoが出力されること", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger, err := New(&buf, "info")
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}

		_ = level.Debug(logger).Log("msg", "hidden")
		_ = level.Info(logger).Log("msg", "shown")

		out := buf.String()
		if strings.Contains(out, "hidden") {
			t.Errorf("debugログが出力された: %s", out)
		}
		if !strings.Contains(out, "msg=shown") {
			t.Errorf("infoログが出力されない: %s", out)
		}
		if !strings.Contains(out, "level=info") {
			t.Errorf("levelキーが無い: %s", out)
		}
		if !strings.Contains(out, "ts=") {
			t.Errorf("tsキーが無い: %s", out)
		}
	})

	t.Run("空のレベル名はinfoとして扱うこと", func(t *testing.T) {
		t.Parallel()

		var buf bytes.Buffer
		logger, err := New(&buf, "")
		if err != nil {
			t.Fatalf("New()でエラーが発生: %v", err)
		}
		_ = level.Debug(logger).Log("msg", "hidden")
		if buf.Len() != 0 {
			t.Errorf("debugログが出力された: %s", buf.String())
		}
	})

	t.Run("不明なレベル名はエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := New(&bytes.Buffer{}, "verbose"); err == nil {
			t.Error("不明なレベル名でエラーが返らない")
		}
	})
}
