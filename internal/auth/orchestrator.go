package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/nao1215/userhub/pkg/apperr"
	"github.com/nao1215/userhub/pkg/middleware"
)

// invalidCredentials はメールアドレスの有無を区別しないログイン失敗メッセージ。
const invalidCredentials = "メールアドレスまたはパスワードが正しくありません"

// Session は登録またはログインに成功した結果。
type Session struct {
	// Token はセッショントークン。
	Token string
	// User はトークンの持ち主。パスワードハッシュは含まない。
	User PublicUser
}

// PublicUser は公開用のユーザー情報。
type PublicUser struct {
	ID        int64
	Email     string
	CreatedAt time.Time
}

// registerInput は登録時の入力。
type registerInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required,min=8,max=72"`
}

// loginInput はログイン時の入力。
type loginInput struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

// Orchestrator は登録、ログイン、トークン検証を行う。
type Orchestrator struct {
	directory UserDirectory
	secret    string
	ttl       time.Duration
	cost      int
	validate  *validator.Validate
	// dummyHash はメールアドレスが未登録の場合に比較するハッシュ。
	dummyHash []byte
	// compare はbcryptの比較関数。テストで呼び出しを数える。
	compare func(hash, password []byte) error
}

// NewOrchestrator はOrchestratorを生成する。
// costはbcryptのコストで、範囲外の場合はbcrypt.DefaultCostを使う。
func NewOrchestrator(directory UserDirectory, secret string, ttl time.Duration, cost int) (*Orchestrator, error) {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("userhub-dummy-password"), cost)
	if err != nil {
		return nil, fmt.Errorf("ダミーハッシュの生成に失敗: %w", err)
	}

	return &Orchestrator{
		directory: directory,
		secret:    secret,
		ttl:       ttl,
		cost:      cost,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		dummyHash: dummy,
		compare:   bcrypt.CompareHashAndPassword,
	}, nil
}

// Register は利用者を登録し、セッショントークンを発行する。
// 登録済みのメールアドレスにはKindConflictを返す。
func (o *Orchestrator) Register(ctx context.Context, email, password string) (Session, error) {
	if err := o.check(registerInput{Email: email, Password: password}); err != nil {
		return Session{}, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), o.cost)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return Session{}, apperr.Validation("パスワードは72バイト以下である必要があります")
	}
	if err != nil {
		return Session{}, apperr.Wrap(apperr.KindInternal, "パスワードのハッシュ化に失敗しました", err)
	}

	cred, err := o.directory.Create(ctx, email, string(hash))
	if err != nil {
		if apperr.Is(err, apperr.KindConflict) {
			return Session{}, apperr.Wrap(apperr.KindConflict, "このメールアドレスは既に登録されています", err)
		}
		return Session{}, fmt.Errorf("ユーザーの作成に失敗: %w", err)
	}
	return o.issue(cred)
}

// Login はメールアドレスとパスワードを照合し、セッショントークンを発行する。
// 未登録とパスワード不一致は同じKindUnauthorizedのエラーになる。
func (o *Orchestrator) Login(ctx context.Context, email, password string) (Session, error) {
	if err := o.check(loginInput{Email: email, Password: password}); err != nil {
		return Session{}, err
	}

	cred, err := o.directory.FindByEmail(ctx, email)
	if apperr.Is(err, apperr.KindNotFound) {
		// 応答時間で未登録を判別されないように比較だけは行う
		_ = o.compare(o.dummyHash, []byte(password))
		return Session{}, apperr.New(apperr.KindUnauthorized, invalidCredentials)
	}
	if err != nil {
		return Session{}, fmt.Errorf("ユーザーの取得に失敗: %w", err)
	}

	if err := o.compare([]byte(cred.PasswordHash), []byte(password)); err != nil {
		return Session{}, apperr.New(apperr.KindUnauthorized, invalidCredentials)
	}
	return o.issue(cred)
}

// Verify はトークンの署名と有効期限を検証してクレームを返す。
func (o *Orchestrator) Verify(token string) (*middleware.JWTClaims, error) {
	claims, err := middleware.ParseJWT(o.secret, token)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, middleware.ErrInvalidToken.Error(), err)
	}
	return claims, nil
}

// Ping はユーザーサービスへの到達性を確認する。
func (o *Orchestrator) Ping(ctx context.Context) error {
	return o.directory.Ping(ctx)
}

// issue はユーザーにトークンを発行する。
func (o *Orchestrator) issue(cred Credential) (Session, error) {
	token, err := middleware.GenerateJWT(o.secret, cred.ID, cred.Email, o.ttl)
	if err != nil {
		return Session{}, apperr.Wrap(apperr.KindInternal, "トークンの発行に失敗しました", err)
	}
	return Session{
		Token: token,
		User: PublicUser{
			ID:        cred.ID,
			Email:     cred.Email,
			CreatedAt: cred.CreatedAt,
		},
	}, nil
}

// check は入力を検証し、全ての問題を1つのValidationエラーにまとめる。
func (o *Orchestrator) check(input any) error {
	err := o.validate.Struct(input)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return apperr.Wrap(apperr.KindInternal, "入力の検証に失敗しました", err)
	}

	problems := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		problems = append(problems, describe(fe))
	}
	return apperr.Validation(problems...)
}

// describe は検証エラー1件を利用者向けの文に変換する。
func describe(fe validator.FieldError) string {
	field := map[string]string{"Email": "メールアドレス", "Password": "パスワード"}[fe.Field()]
	switch fe.Tag() {
	case "required":
		return field + "は必須です"
	case "email":
		return field + "の形式が正しくありません"
	case "min":
		return fmt.Sprintf("%sは%s文字以上である必要があります", field, fe.Param())
	case "max":
		return fmt.Sprintf("%sは%s文字以下である必要があります", field, fe.Param())
	default:
		return field + "が不正です"
	}
}
