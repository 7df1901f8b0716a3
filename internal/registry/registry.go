package registry

import (
	"sort"
	"sync"
)

// Service は登録済みのバックエンドサービスを表す。
type Service struct {
	// Name はサービスの論理名。レジストリ内で一意。
	Name string `json:"name"`
	// Address はバックエンドのネットワークアドレス（ホスト、任意のポートとスキーム）。
	Address string `json:"address"`
}

// Registry はサービス名とアドレスの対応表。
// 参照同士は互いにブロックせず、登録・削除は他のすべての操作を排他する。
type Registry struct {
	mu       sync.RWMutex
	services map[string]string
}

// New は空のレジストリを生成する。
func New() *Registry {
	return &Registry{
		services: make(map[string]string),
	}
}

// Register はサービスを登録する。同名のサービスが存在する場合は上書きする。
// アドレスの書式はここでは検証せず、転送時に検証する。
// 上書き前のアドレスと、上書きが発生したかどうかを返す。
func (r *Registry) Register(name, address string) (previous string, replaced bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, replaced = r.services[name]
	r.services[name] = address
	return previous, replaced
}

// Deregister はサービスを削除する。未登録の名前に対しては何もしない。
// 削除対象が存在したかどうかを返す。
func (r *Registry) Deregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[name]; !ok {
		return false
	}
	delete(r.services, name)
	return true
}

// Lookup はサービス名に対応するアドレスを返す。
func (r *Registry) Lookup(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	address, ok := r.services[name]
	return address, ok
}

// Snapshot は登録済みサービスの一覧を名前順で返す。
func (r *Registry) Snapshot() []Service {
	r.mu.RLock()
	services := make([]Service, 0, len(r.services))
	for name, address := range r.services {
		services = append(services, Service{Name: name, Address: address})
	}
	r.mu.RUnlock()

	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})
	return services
}

// Len は登録済みサービスの数を返す。
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}
