package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nao1215/gateway/pkg/jsoncodec"
)

// New は新しいイベントを生成する。
// dataにはイベント固有のデータ構造体を渡す。JSON形式にシリアライズされる。
func New(aggregateID string, aggregateType AggregateType, eventType Type, source string, data any) (*Event, error) {
	jsonData, err := jsoncodec.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("イベントデータのシリアライズに失敗: %w", err)
	}

	return &Event{
		ID:            uuid.New().String(),
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Data:          jsonData,
		Source:        source,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// ServiceRegistered はServiceRegisteredイベントを生成する。
func ServiceRegistered(name, address, previous, source string) (*Event, error) {
	return New(name, AggregateTypeService, TypeServiceRegistered, source, ServiceRegisteredData{
		Address:         address,
		PreviousAddress: previous,
	})
}

// ServiceDeregistered はServiceDeregisteredイベントを生成する。
func ServiceDeregistered(name string, existed bool, source string) (*Event, error) {
	return New(name, AggregateTypeService, TypeServiceDeregistered, source, ServiceDeregisteredData{
		Existed: existed,
	})
}

// DecodeData はイベントのDataフィールドを指定された型にデシリアライズする。
func DecodeData[T any](e *Event) (*T, error) {
	var data T
	if err := jsoncodec.Unmarshal(e.Data, &data); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &data, nil
}
