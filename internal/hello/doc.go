// Package hello はGatewayの動作確認用のバックエンドサービスを提供する。
//
// すべてのパスに固定のJSONメッセージを返す。起動時に自身をGatewayに登録し、
// 停止時に登録を解除する。
package hello
