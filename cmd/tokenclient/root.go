package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/nao1215/gateway/internal/registry"
	"github.com/nao1215/gateway/pkg/event"
	"github.com/nao1215/gateway/pkg/httpclient"
	"github.com/nao1215/gateway/pkg/middleware"
	"github.com/spf13/cobra"
)

const (
	defaultGatewayURL = "http://127.0.0.1:8080"
	defaultSubject    = "1234567890"
	defaultIssuer     = "my_issuer"
	defaultPath       = "/hello_service/anything"
	devSecret         = "dev-secret-key"
)

// options はサブコマンド共通のフラグ。
type options struct {
	gatewayURL string
	secret     string
	keyID      string
	subject    string
	issuer     string
	ttl        time.Duration
	timeout    time.Duration
}

// newRootCmd はtokenclientのルートコマンドを生成する。
func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "tokenclient",
		Short:         "署名付きトークンを発行してGatewayを呼び出す",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	secret := os.Getenv("JWT_SECRET")
	if secret == "" {
		secret = devSecret
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.gatewayURL, "gateway", defaultGatewayURL, "GatewayのベースURL")
	flags.StringVar(&opts.secret, "secret", secret, "署名に使用する共有秘密鍵（既定値は環境変数JWT_SECRET）")
	flags.StringVar(&opts.keyID, "kid", "", "トークンヘッダーに設定する鍵ID")
	flags.StringVar(&opts.subject, "sub", defaultSubject, "トークンのsubject")
	flags.StringVar(&opts.issuer, "iss", defaultIssuer, "トークンの発行者")
	flags.DurationVar(&opts.ttl, "ttl", 0, "トークンの有効期間（0の場合は期限なし）")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "リクエストのタイムアウト")

	root.AddCommand(
		newTokenCmd(opts),
		newCallCmd(opts),
		newServicesCmd(opts),
		newEventsCmd(opts),
	)
	return root
}

// newTokenCmd はトークンを発行して出力するサブコマンドを生成する。
func newTokenCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "token",
		Short: "トークンを発行して標準出力に書き出す",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			token, err := opts.issueToken()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
}

// newCallCmd はGateway経由でサービスを呼び出すサブコマンドを生成する。
func newCallCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "call [path]",
		Short: "トークンを添えてGateway経由でサービスを呼び出す",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := defaultPath
			if len(args) == 1 {
				path = args[0]
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return call(ctx, cmd.OutOrStdout(), opts, path)
		},
	}
}

// newServicesCmd はGatewayに登録済みのサービスを一覧表示するサブコマンドを生成する。
func newServicesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "Gatewayに登録済みのサービスを一覧表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var services []registry.Service
			if err := httpclient.New(opts.gatewayURL).GetJSON(ctx, "/_gateway/services", &services); err != nil {
				return fmt.Errorf("サービス一覧の取得に失敗: %w", err)
			}
			for _, svc := range services {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", svc.Name, svc.Address); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// newEventsCmd はGatewayのレジストリ監査ログを表示するサブコマンドを生成する。
func newEventsCmd(opts *options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "レジストリの変更履歴を新しい順に表示する",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()

			var events []event.Event
			path := "/_gateway/events?limit=" + strconv.Itoa(limit)
			if err := httpclient.New(opts.gatewayURL).GetJSON(ctx, path, &events); err != nil {
				return fmt.Errorf("監査ログの取得に失敗: %w", err)
			}
			for i := range events {
				line, err := describeEvent(&events[i])
				if err != nil {
					return err
				}
				if _, err := fmt.Fprintln(cmd.OutOrStdout(), line); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "表示する件数")
	return cmd
}

// describeEvent は監査イベントを1行の文字列にする。
func describeEvent(e *event.Event) (string, error) {
	at := e.CreatedAt.Format(time.RFC3339)
	switch e.EventType {
	case event.TypeServiceRegistered:
		data, err := event.DecodeData[event.ServiceRegisteredData](e)
		if err != nil {
			return "", err
		}
		if data.PreviousAddress != "" {
			return fmt.Sprintf("%s\tregister\t%s\t%s (was %s)", at, e.AggregateID, data.Address, data.PreviousAddress), nil
		}
		return fmt.Sprintf("%s\tregister\t%s\t%s", at, e.AggregateID, data.Address), nil
	case event.TypeServiceDeregistered:
		data, err := event.DecodeData[event.ServiceDeregisteredData](e)
		if err != nil {
			return "", err
		}
		if !data.Existed {
			return fmt.Sprintf("%s\tderegister\t%s\t(not registered)", at, e.AggregateID), nil
		}
		return fmt.Sprintf("%s\tderegister\t%s", at, e.AggregateID), nil
	default:
		return fmt.Sprintf("%s\t%s\t%s", at, e.EventType, e.AggregateID), nil
	}
}

// issueToken はフラグの内容でトークンを発行する。
func (o *options) issueToken() (string, error) {
	return middleware.GenerateToken(
		middleware.SigningKey{ID: o.keyID, Secret: o.secret},
		o.subject,
		o.issuer,
		o.ttl,
	)
}

// call はトークンを発行してpathを呼び出し、ステータスとボディをwに書き出す。
func call(ctx context.Context, w io.Writer, opts *options, path string) error {
	token, err := opts.issueToken()
	if err != nil {
		return err
	}

	status, body, err := httpclient.New(opts.gatewayURL).Get(httpclient.WithToken(ctx, token), path)
	if err != nil {
		return fmt.Errorf("Gatewayの呼び出しに失敗: %w", err)
	}
	_, err = fmt.Fprintf(w, "Response: %d %s\nResponse Body: %s\n", status, http.StatusText(status), body)
	return err
}
