// Package audit はサービスレジストリへの変更を追記専用の監査ログとしてSQLiteに記録する。
//
// 記録は参照専用であり、起動時にレジストリへ再適用しない。
// レジストリ自体はプロセスの生存期間のみ有効である。
package audit
