// Package registry はサービス名からバックエンドアドレスへの動的な対応表を提供する。
//
// Gatewayは論理的なサービス名でリクエストを受け付け、この対応表を使って
// 転送先のネットワークアドレスを解決する。登録・削除・参照はすべて
// 線形化可能であり、登録の完了後に開始した参照は必ずその結果を観測する。
package registry
