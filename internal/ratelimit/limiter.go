// Package ratelimit はクライアント識別子ごとのリクエスト受付制御を提供する。
//
// 識別子ごとにトークンバケットを持ち、上限（ceiling）回まで連続して受け付けた後は
// ウィンドウ期間をかけて上限まで補充する。ウィンドウに0を指定した場合は補充せず、
// プロセスが生きている間は上限を超えたクライアントを拒否し続ける。
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultCeiling は識別子ごとの受付上限の既定値。
const DefaultCeiling = 5

// Config はLimiterの設定。
type Config struct {
	// Ceiling は識別子ごとに連続して受け付けるリクエスト数の上限。
	Ceiling int
	// Window は上限まで補充されるのにかかる期間。0の場合は補充しない。
	Window time.Duration
	// IdleTTL はこの期間アクセスの無い識別子を破棄する。0の場合は破棄しない。
	IdleTTL time.Duration
}

// clientBucket は識別子ごとのトークンバケットと最終アクセス時刻。
type clientBucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter は識別子ごとのレートリミッタ。
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*clientBucket
	ceiling int
	limit   rate.Limit
	idleTTL time.Duration
	// now は現在時刻を返す。テストでは固定時計に差し替える。
	now func() time.Time
}

// New は新しいLimiterを生成する。
func New(cfg Config) *Limiter {
	ceiling := cfg.Ceiling
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}

	var limit rate.Limit
	idleTTL := cfg.IdleTTL
	if cfg.Window > 0 {
		// 補充間隔が0になるとrate.Infとなり制限が外れるため、最短1nsに丸める
		interval := max(cfg.Window/time.Duration(ceiling), time.Nanosecond)
		limit = rate.Every(interval)
		// 補充が終わる前に破棄すると拒否中のクライアントが即座に復帰してしまう
		if idleTTL > 0 && idleTTL < cfg.Window {
			idleTTL = cfg.Window
		}
	} else {
		// 補充しない場合、破棄は拒否状態のリセットになるため行わない
		idleTTL = 0
	}

	return &Limiter{
		buckets: make(map[string]*clientBucket),
		ceiling: ceiling,
		limit:   limit,
		idleTTL: idleTTL,
		now:     time.Now,
	}
}

// Allow は識別子keyのリクエストを受け付けるかどうかを判定する。
// 受け付ける場合はバケットからトークンを1つ消費する。
// 判定と消費は同一の臨界区間で行うため、同一識別子の並行リクエストが
// 同時に最後の1枠を通過することはない。
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &clientBucket{limiter: rate.NewLimiter(l.limit, l.ceiling)}
		l.buckets[key] = b
	}
	b.lastSeen = now
	return b.limiter.AllowN(now, 1)
}

// EvictIdle はIdleTTL以上アクセスの無い識別子を破棄し、破棄した数を返す。
func (l *Limiter) EvictIdle() int {
	if l.idleTTL <= 0 {
		return 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idleTTL)
	evicted := 0
	for key, b := range l.buckets {
		if !b.lastSeen.After(cutoff) {
			delete(l.buckets, key)
			evicted++
		}
	}
	return evicted
}

// Run はctxがキャンセルされるまでinterval間隔でEvictIdleを呼び出す。
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	if l.idleTTL <= 0 || interval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.EvictIdle()
		}
	}
}

// Len は現在保持している識別子の数を返す。
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Ceiling は識別子ごとの受付上限を返す。
func (l *Limiter) Ceiling() int {
	return l.ceiling
}
