// Package gateway はAPI Gatewayのルーティングとプロセスのライフサイクルを提供する。
//
// 管理用のパス（サービスの登録と登録解除）はレート制限と認証を経由せずに
// レジストリを更新する。それ以外のパスはクライアントごとのレート制限、
// 署名付きトークンの検証、サービス名の解決を順に行い、バックエンドに転送する。
// いずれかの段階で拒否された場合はその時点でレスポンスを返す。
package gateway
