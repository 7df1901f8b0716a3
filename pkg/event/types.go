// Package event はサービスレジストリの変更を表す監査イベントを定義する。
// イベントは追記専用で記録され、起動時にレジストリへ再適用されることはない。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeService はレジストリ上のサービスを表す。
	AggregateTypeService AggregateType = "Service"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeServiceRegistered はサービスが登録（または上書き）されたことを表す。
	TypeServiceRegistered Type = "ServiceRegistered"
	// TypeServiceDeregistered はサービスの登録解除が要求されたことを表す。
	TypeServiceDeregistered Type = "ServiceDeregistered"
)

// Event はレジストリに対する変更の不変の記録を表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象のサービス名。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Source は変更を要求したクライアントのアドレス。
	Source string `json:"source,omitempty"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// ServiceRegisteredData はServiceRegisteredイベントのデータ。
type ServiceRegisteredData struct {
	// Address は登録されたアドレス。
	Address string `json:"address"`
	// PreviousAddress は上書きされた以前のアドレス。新規登録の場合は空。
	PreviousAddress string `json:"previous_address,omitempty"`
}

// ServiceDeregisteredData はServiceDeregisteredイベントのデータ。
type ServiceDeregisteredData struct {
	// Existed は登録解除時にサービスが登録されていたかどうか。
	Existed bool `json:"existed"`
}
