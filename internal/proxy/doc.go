// Package proxy はGatewayからバックエンドサービスへのリクエスト転送を提供する。
//
// 転送先URIの組み立て、リクエストの書き換え、送信、レスポンスJSONへの
// フィールド追加を担当する。送信はタイムアウト付きで行い、呼び出し元の
// コンテキストがキャンセルされた場合は送信中のリクエストも中断する。
package proxy
