package gateway

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nao1215/gateway/internal/proxy"
	"github.com/nao1215/gateway/internal/ratelimit"
	"github.com/nao1215/gateway/pkg/middleware"
	"gopkg.in/yaml.v3"
)

// 環境変数名。
const (
	envAddr             = "GATEWAY_ADDR"
	envConfigPath       = "CONFIG_PATH"
	envJWTSecret        = "JWT_SECRET"
	envJWTIssuer        = "JWT_ISSUER"
	envRateLimitCeiling = "RATE_LIMIT_CEILING"
	envRateLimitWindow  = "RATE_LIMIT_WINDOW"
	envRateLimitIdleTTL = "RATE_LIMIT_IDLE_TTL"
	envRateLimitKey     = "RATE_LIMIT_KEY"
	envForwardTimeout   = "FORWARD_TIMEOUT"
	envAuditDBPath      = "AUDIT_DB_PATH"
	envCORSOrigins      = "CORS_ORIGINS"
	envLogLevel         = "LOG_LEVEL"
)

const (
	// DefaultAddr は既定のリッスンアドレス。
	DefaultAddr = "127.0.0.1:8080"
	// DefaultIssuer は既定のトークン発行者。
	DefaultIssuer = "my_issuer"
	// DefaultAuditDBPath は既定の監査ログDB。プロセス内のみで有効。
	DefaultAuditDBPath = ":memory:"
	// AuditDisabled はAUDIT_DB_PATHに指定すると監査ログを無効にする値。
	AuditDisabled = "off"
	// DevSecret は鍵が1つも設定されていない場合に使用する開発用の秘密鍵。
	DevSecret = "dev-secret-key"
	// RateLimitKeyAddr は接続元のIP:ポートでクライアントを識別する。
	RateLimitKeyAddr = "addr"
	// RateLimitKeyIP は接続元のIPアドレスのみでクライアントを識別する。
	RateLimitKeyIP = "ip"

	defaultRateLimitWindow  = time.Minute
	defaultRateLimitIdleTTL = 10 * time.Minute
)

// Config はGatewayの設定。
type Config struct {
	// Addr はリッスンアドレス。
	Addr string
	// Issuer はトークンに期待する発行者。空の場合は検証しない。
	Issuer string
	// Keys は信頼する署名鍵。先頭がトークン発行時の既定の鍵になる。
	Keys []middleware.SigningKey
	// UsingDevSecret は鍵が設定されずDevSecretを使用しているかどうか。
	UsingDevSecret bool
	// RateLimit はクライアントごとのレート制限の設定。
	RateLimit ratelimit.Config
	// RateLimitKey はレート制限の識別子の種類（RateLimitKeyAddrまたはRateLimitKeyIP）。
	RateLimitKey string
	// ForwardTimeout はバックエンドへの転送1回あたりの上限時間。
	ForwardTimeout time.Duration
	// AuditDBPath は監査ログのSQLiteデータベース。AuditDisabledの場合は記録しない。
	AuditDBPath string
	// CORSOrigins はクロスオリジンリクエストを許可するオリジン。
	CORSOrigins []string
	// LogLevel はログレベル（debug, info, warn, error）。
	LogLevel string
}

// AuditEnabled は監査ログが有効かどうかを返す。
func (c Config) AuditEnabled() bool {
	return c.AuditDBPath != AuditDisabled
}

// yamlConfig はCONFIG_PATHで指定するYAMLファイルの構造。
type yamlConfig struct {
	Addr      string                  `yaml:"addr"`
	Issuer    *string                 `yaml:"issuer"`
	Keys      []middleware.SigningKey `yaml:"keys"`
	RateLimit struct {
		Ceiling int    `yaml:"ceiling"`
		Window  string `yaml:"window"`
		IdleTTL string `yaml:"idle_ttl"`
		Key     string `yaml:"key"`
	} `yaml:"rate_limit"`
	ForwardTimeout string   `yaml:"forward_timeout"`
	AuditDBPath    string   `yaml:"audit_db_path"`
	CORSOrigins    []string `yaml:"cors_origins"`
	LogLevel       string   `yaml:"log_level"`
}

// DefaultConfig は既定値のみからなる設定を返す。
func DefaultConfig() Config {
	return Config{
		Addr:   DefaultAddr,
		Issuer: DefaultIssuer,
		RateLimit: ratelimit.Config{
			Ceiling: ratelimit.DefaultCeiling,
			Window:  defaultRateLimitWindow,
			IdleTTL: defaultRateLimitIdleTTL,
		},
		RateLimitKey:   RateLimitKeyAddr,
		ForwardTimeout: proxy.DefaultTimeout,
		AuditDBPath:    DefaultAuditDBPath,
		LogLevel:       "info",
	}
}

// LoadConfig は環境変数と、CONFIG_PATHが指定されていればYAMLファイルから設定を読み込む。
// 同じ項目が両方にある場合は環境変数を優先する。
func LoadConfig() (Config, error) {
	return loadConfig(os.LookupEnv, os.ReadFile)
}

// loadConfig はLoadConfigの実体。テストでは環境変数とファイルの読み込みを差し替える。
func loadConfig(lookup func(string) (string, bool), readFile func(string) ([]byte, error)) (Config, error) {
	cfg := DefaultConfig()

	if path, ok := lookup(envConfigPath); ok && strings.TrimSpace(path) != "" {
		data, err := readFile(strings.TrimSpace(path))
		if err != nil {
			return Config{}, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		var raw yamlConfig
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
		if err := raw.applyTo(&cfg); err != nil {
			return Config{}, err
		}
	}

	if err := applyEnv(lookup, &cfg); err != nil {
		return Config{}, err
	}

	if len(cfg.Keys) == 0 {
		cfg.Keys = []middleware.SigningKey{{Secret: DevSecret}}
		cfg.UsingDevSecret = true
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyTo はYAMLの設定値のうち指定されたものをcfgに反映する。
func (y yamlConfig) applyTo(cfg *Config) error {
	if y.Addr != "" {
		cfg.Addr = y.Addr
	}
	if y.Issuer != nil {
		cfg.Issuer = *y.Issuer
	}
	for _, k := range y.Keys {
		if k.Secret != "" {
			cfg.Keys = append(cfg.Keys, k)
		}
	}
	if y.RateLimit.Ceiling != 0 {
		cfg.RateLimit.Ceiling = y.RateLimit.Ceiling
	}
	if y.RateLimit.Key != "" {
		cfg.RateLimitKey = y.RateLimit.Key
	}
	for _, d := range []struct {
		key   string
		value string
		dst   *time.Duration
	}{
		{key: "rate_limit.window", value: y.RateLimit.Window, dst: &cfg.RateLimit.Window},
		{key: "rate_limit.idle_ttl", value: y.RateLimit.IdleTTL, dst: &cfg.RateLimit.IdleTTL},
		{key: "forward_timeout", value: y.ForwardTimeout, dst: &cfg.ForwardTimeout},
	} {
		if d.value == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("設定ファイルの%sが不正: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if y.AuditDBPath != "" {
		cfg.AuditDBPath = y.AuditDBPath
	}
	if len(y.CORSOrigins) > 0 {
		cfg.CORSOrigins = y.CORSOrigins
	}
	if y.LogLevel != "" {
		cfg.LogLevel = y.LogLevel
	}
	return nil
}

// applyEnv は設定されている環境変数をcfgに反映する。
func applyEnv(lookup func(string) (string, bool), cfg *Config) error {
	if v, ok := lookup(envAddr); ok && v != "" {
		cfg.Addr = v
	}
	if v, ok := lookup(envJWTIssuer); ok {
		cfg.Issuer = v
	}
	if v, ok := lookup(envJWTSecret); ok && v != "" {
		// 環境変数の鍵はIDが空の鍵として扱い、YAMLの同じIDの鍵を置き換える
		keys := []middleware.SigningKey{{Secret: v}}
		for _, k := range cfg.Keys {
			if k.ID != "" {
				keys = append(keys, k)
			}
		}
		cfg.Keys = keys
	}
	if v, ok := lookup(envRateLimitCeiling); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%sが不正: %w", envRateLimitCeiling, err)
		}
		cfg.RateLimit.Ceiling = n
	}
	if v, ok := lookup(envRateLimitKey); ok && v != "" {
		cfg.RateLimitKey = v
	}
	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{key: envRateLimitWindow, dst: &cfg.RateLimit.Window},
		{key: envRateLimitIdleTTL, dst: &cfg.RateLimit.IdleTTL},
		{key: envForwardTimeout, dst: &cfg.ForwardTimeout},
	} {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%sが不正: %w", d.key, err)
		}
		*d.dst = parsed
	}
	if v, ok := lookup(envAuditDBPath); ok && v != "" {
		cfg.AuditDBPath = v
	}
	if v, ok := lookup(envCORSOrigins); ok {
		cfg.CORSOrigins = splitList(v)
	}
	if v, ok := lookup(envLogLevel); ok && v != "" {
		cfg.LogLevel = v
	}
	return nil
}

// Validate は設定値の妥当性を検証する。
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Addr) == "" {
		errs = append(errs, errors.New("リッスンアドレスが空です"))
	}
	if len(c.Keys) == 0 {
		errs = append(errs, middleware.ErrNoTrustedKey)
	}
	if c.RateLimit.Ceiling < 1 {
		errs = append(errs, fmt.Errorf("レート制限の上限は1以上である必要があります: %d", c.RateLimit.Ceiling))
	}
	if c.RateLimit.Window < 0 {
		errs = append(errs, fmt.Errorf("レート制限のウィンドウが負の値です: %s", c.RateLimit.Window))
	}
	if c.RateLimit.Window > 0 && c.RateLimit.Ceiling > 0 && c.RateLimit.Window < time.Duration(c.RateLimit.Ceiling) {
		errs = append(errs, fmt.Errorf("レート制限のウィンドウが上限回数に対して短すぎます: %s", c.RateLimit.Window))
	}
	if c.RateLimit.IdleTTL < 0 {
		errs = append(errs, fmt.Errorf("レート制限のアイドル期限が負の値です: %s", c.RateLimit.IdleTTL))
	}
	if c.RateLimitKey != RateLimitKeyAddr && c.RateLimitKey != RateLimitKeyIP {
		errs = append(errs, fmt.Errorf("レート制限の識別子の種類が不正です: %q", c.RateLimitKey))
	}
	if c.ForwardTimeout < 0 {
		errs = append(errs, fmt.Errorf("転送タイムアウトが負の値です: %s", c.ForwardTimeout))
	}
	if strings.TrimSpace(c.AuditDBPath) == "" {
		errs = append(errs, errors.New("監査ログDBのパスが空です"))
	}
	return errors.Join(errs...)
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
