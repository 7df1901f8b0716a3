// Package httpclient はGatewayを呼び出すクライアント側のHTTP通信を提供する。
//
// バックエンドサービスが自身をGatewayに登録する際や、
// 署名付きトークンを添えてGateway経由でサービスを呼び出す際に使用する。
package httpclient
