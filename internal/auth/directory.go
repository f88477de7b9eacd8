package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/nao1215/userhub/pkg/apperr"
	"github.com/nao1215/userhub/pkg/httpclient"
)

// userTimeLayout はユーザーサービスが返すcreatedAtの書式。
const userTimeLayout = "2006-01-02T15:04:05.000Z07:00"

// Credential はログイン判定に必要なユーザー情報。
type Credential struct {
	ID           int64
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// UserDirectory はユーザーレコードの参照と作成を行う。
// 見つからない場合はKindNotFound、重複はKindConflictのエラーを返す。
type UserDirectory interface {
	Create(ctx context.Context, email, passwordHash string) (Credential, error)
	FindByEmail(ctx context.Context, email string) (Credential, error)
	Ping(ctx context.Context) error
}

// HTTPDirectory はユーザーサービスのHTTP APIを使うUserDirectory。
type HTTPDirectory struct {
	client *httpclient.Client
}

// NewHTTPDirectory はbaseURLのユーザーサービスに接続するHTTPDirectoryを生成する。
func NewHTTPDirectory(baseURL string, timeout time.Duration) *HTTPDirectory {
	return &HTTPDirectory{client: httpclient.New(baseURL, timeout)}
}

// userPayload はユーザーサービスとやり取りするJSON。
type userPayload struct {
	ID           int64  `json:"id,omitempty"`
	Email        string `json:"email"`
	PasswordHash string `json:"passwordHash,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// Create はユーザーサービスにユーザーを作成させる。
func (d *HTTPDirectory) Create(ctx context.Context, email, passwordHash string) (Credential, error) {
	var resp userPayload
	err := d.client.PostJSON(ctx, "/users", userPayload{Email: email, PasswordHash: passwordHash}, &resp)
	if err != nil {
		return Credential{}, translate(err)
	}
	resp.PasswordHash = passwordHash
	return resp.credential()
}

// FindByEmail はパスワードハッシュを含むユーザー情報を取得する。
func (d *HTTPDirectory) FindByEmail(ctx context.Context, email string) (Credential, error) {
	var resp userPayload
	if err := d.client.GetJSON(ctx, "/internal/users/by-email/"+url.PathEscape(email), &resp); err != nil {
		return Credential{}, translate(err)
	}
	return resp.credential()
}

// Ping はユーザーサービスの/healthを呼び、到達できるかを確認する。
func (d *HTTPDirectory) Ping(ctx context.Context) error {
	if err := d.client.GetJSON(ctx, "/health", nil); err != nil {
		return translate(err)
	}
	return nil
}

func (p userPayload) credential() (Credential, error) {
	createdAt, err := time.Parse(userTimeLayout, p.CreatedAt)
	if err != nil {
		return Credential{}, apperr.Wrap(apperr.KindInternal, "ユーザーサービスの応答が不正です", err)
	}
	return Credential{
		ID:           p.ID,
		Email:        p.Email,
		PasswordHash: p.PasswordHash,
		CreatedAt:    createdAt,
	}, nil
}

// translate はユーザーサービス呼び出しのエラーをapperrに変換する。
func translate(err error) error {
	var statusErr *httpclient.StatusError
	if !errors.As(err, &statusErr) {
		return apperr.Wrap(apperr.KindUnavailable, "ユーザーサービスに接続できません", err)
	}

	switch statusErr.StatusCode {
	case http.StatusConflict:
		return apperr.Wrap(apperr.KindConflict, statusErr.Message, err)
	case http.StatusNotFound:
		return apperr.Wrap(apperr.KindNotFound, statusErr.Message, err)
	case http.StatusBadRequest:
		return apperr.Wrap(apperr.KindValidation, statusErr.Message, err)
	default:
		if statusErr.StatusCode >= http.StatusInternalServerError {
			return apperr.Wrap(apperr.KindUnavailable, "ユーザーサービスが利用できません", err)
		}
		return apperr.Wrap(apperr.KindInternal, fmt.Sprintf("ユーザーサービスが予期しない応答を返しました: %d", statusErr.StatusCode), err)
	}
}
