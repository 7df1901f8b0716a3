// Package jsoncodec はGateway全体で使用するJSONエンコーダ/デコーダを提供する。
// 数値はjson.Numberとして保持するため、転送時に大きな整数の精度を失わない。
package jsoncodec

import (
	"github.com/bytedance/sonic"
)

var api = sonic.Config{
	SortMapKeys:    true,
	UseNumber:      true,
	CopyString:     true,
	ValidateString: true,
}.Froze()

// Marshal はvをJSONにシリアライズする。
func Marshal(v any) ([]byte, error) {
	return api.Marshal(v)
}

// Unmarshal はJSONをvにデシリアライズする。
func Unmarshal(data []byte, v any) error {
	return api.Unmarshal(data, v)
}
