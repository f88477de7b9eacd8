package gateway

import (
	"errors"
	"net/http"
	"net/url"
	"slices"
	"strings"
)

// 上流サービスの名前。
const (
	serviceAuth = "auth"
	serviceUser = "user"
)

var (
	// ErrRouteNotFound はパスに一致するルートが無いことを表す。
	ErrRouteNotFound = errors.New("ルートが見つかりません")
	// ErrMethodNotAllowed はパスは一致したがメソッドが許可されていないことを表す。
	ErrMethodNotAllowed = errors.New("許可されていないメソッドです")
)

// Route はゲートウェイのパスを上流サービスのパスに対応付ける。
type Route struct {
	// Prefix はゲートウェイ側のパス。
	Prefix string
	// Service は転送先の上流サービス名。
	Service string
	// Target はPrefixを置き換える上流側のパス。
	Target string
	// Subpaths がtrueの場合、Prefix配下のパスにも一致する。
	Subpaths bool
	// Methods は転送を許可するHTTPメソッド。空の場合は全て許可する。
	Methods []string
}

// allows はmethodがこのルートで許可されているかを返す。
func (r *Route) allows(method string) bool {
	return len(r.Methods) == 0 || slices.Contains(r.Methods, method)
}

// Match はルート解決の結果。
type Match struct {
	// Service は転送先の上流サービス名。
	Service string
	// Path は上流サービスに送るパス（復号済み）。
	Path string
	// EscapedPath は上流サービスに送るパスのエスケープ済み表現。URLの組み立てにはこちらを使う。
	EscapedPath string
	// Allow はルートが許可するメソッド。ErrMethodNotAllowedのときAllowヘッダーに使う。
	Allow []string
}

// RouteTable は登録順に依存せずに最も具体的なルートを選ぶ。
// 完全一致を優先し、無ければパスの区切り位置で最長の接頭辞一致を選ぶ。
type RouteTable struct {
	routes []Route
}

// NewRouteTable はルート表を生成する。
func NewRouteTable(routes ...Route) *RouteTable {
	return &RouteTable{routes: routes}
}

// DefaultRoutes はゲートウェイの既定のルート表を返す。
// ユーザーサービスの作成APIは認証サービス専用のため、/api/users は参照系だけを通す。
func DefaultRoutes() *RouteTable {
	return NewRouteTable(
		Route{Prefix: "/api/register", Service: serviceAuth, Target: "/register", Methods: []string{http.MethodPost}},
		Route{Prefix: "/api/login", Service: serviceAuth, Target: "/login", Methods: []string{http.MethodPost}},
		Route{Prefix: "/api/verify", Service: serviceAuth, Target: "/verify", Methods: []string{http.MethodPost}},
		Route{Prefix: "/api/me", Service: serviceAuth, Target: "/me", Methods: []string{http.MethodGet}},
		Route{Prefix: "/api/users", Service: serviceUser, Target: "/users", Subpaths: true, Methods: []string{http.MethodGet}},
	)
}

// Resolve はメソッドとエスケープ済みのリクエストパスに一致するルートを探す。
// パスはセグメント単位で復号して "." と ".." を解決してから照合するため、
// ".." で上流の別パスへ抜けることはできない。%2F や %23 はセグメント内の文字のまま上流へ渡る。
func (t *RouteTable) Resolve(method, escapedPath string) (Match, error) {
	segs, err := splitPath(escapedPath)
	if err != nil {
		return Match{}, ErrRouteNotFound
	}

	var (
		best    *Route
		bestLen = -1
	)
	for i := range t.routes {
		r := &t.routes[i]
		prefix := splitPrefix(r.Prefix)
		if !hasSegmentPrefix(segs, prefix) {
			continue
		}
		if len(segs) == len(prefix) {
			best = r
			break
		}
		if r.Subpaths && len(prefix) > bestLen {
			best, bestLen = r, len(prefix)
		}
	}
	if best == nil {
		return Match{}, ErrRouteNotFound
	}

	rest := segs[len(splitPrefix(best.Prefix)):]
	m := Match{
		Service:     best.Service,
		Path:        joinPath(best.Target, rest, func(s string) string { return s }),
		EscapedPath: joinPath(best.Target, rest, url.PathEscape),
		Allow:       best.Methods,
	}
	if !best.allows(method) {
		return m, ErrMethodNotAllowed
	}
	return m, nil
}

// splitPath はエスケープ済みのパスを復号済みのセグメント列に分解する。
// 空のセグメントと "." は捨て、".." は直前のセグメントを取り除く。
func splitPath(escapedPath string) ([]string, error) {
	var segs []string
	for _, raw := range strings.Split(escapedPath, "/") {
		seg, err := url.PathUnescape(raw)
		if err != nil {
			return nil, err
		}
		switch seg {
		case "", ".":
		case "..":
			if len(segs) > 0 {
				segs = segs[:len(segs)-1]
			}
		default:
			segs = append(segs, seg)
		}
	}
	return segs, nil
}

// splitPrefix はルートのPrefixをセグメント列に分解する。
func splitPrefix(prefix string) []string {
	trimmed := strings.Trim(prefix, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

// hasSegmentPrefix はsegsがprefixのセグメントで始まるかを返す。
func hasSegmentPrefix(segs, prefix []string) bool {
	return len(segs) >= len(prefix) && slices.Equal(segs[:len(prefix)], prefix)
}

// joinPath はTargetの後ろに残りのセグメントをescapeして連結する。
func joinPath(target string, rest []string, escape func(string) string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSuffix(target, "/"))
	for _, seg := range rest {
		b.WriteByte('/')
		b.WriteString(escape(seg))
	}
	if b.Len() == 0 {
		return "/"
	}
	return b.String()
}
