package apperr

import (
	"errors"
	"net/http"
	"strings"
)

// Kind はエラーの分類を表す。
// 各サービスはKindで分岐し、エラー型のプロパティを推測しない。
type Kind int

const (
	// KindInternal は予期しない内部エラー。
	KindInternal Kind = iota
	// KindValidation はクライアントが修正可能な入力エラー。
	KindValidation
	// KindConflict は一意制約に違反する重複登録。
	KindConflict
	// KindUnauthorized は認証失敗。メールアドレス不明とパスワード不一致を区別しない。
	KindUnauthorized
	// KindNotFound はリソースが存在しないことを表す。認証には使用しない。
	KindNotFound
	// KindUnavailable は下流のサービス・ストア・キャッシュが利用できないことを表す。
	KindUnavailable
)

// String はKindの名前を返す。
func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindUnavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// HTTPStatus はKindに対応するHTTPステータスコードを返す。
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error はKindを持つアプリケーションエラー。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Message はクライアントに返してよいメッセージ。
	Message string
	// Err は原因となったエラー。ログ出力専用でクライアントには返さない。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap は原因エラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// New はKindとメッセージからエラーを生成する。
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap は原因エラーを保持したままKindを付与する。
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// Validation は複数の検証エラーを1つのメッセージに結合したエラーを生成する。
func Validation(problems ...string) *Error {
	return New(KindValidation, strings.Join(problems, "; "))
}

// KindOf はエラーチェーンからKindを取り出す。
// Errorを含まないエラーはKindInternalとして扱う。
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// Is はエラーが指定したKindかどうかを返す。
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message はクライアントに返すメッセージを取り出す。
// 内部エラーの詳細は隠蔽する。
func Message(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) && appErr.Kind != KindInternal {
		return appErr.Message
	}
	return "内部サーバーエラーが発生しました"
}
