// Package middleware はGatewayで使用するGinミドルウェアを提供する。
//
// 署名付きトークンの検証、クライアントごとのレート制限、アクセスログ、
// パニックリカバリ、CORS設定を含む。
package middleware
