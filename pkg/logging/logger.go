// Package logging はサービス共通の構造化ロガーを生成する。
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New はJSON形式で標準出力に書き出すロガーを生成する。
// 全てのログにサービス名が付与される。
func New(service, level string) *slog.Logger {
	return NewWithWriter(os.Stdout, service, level)
}

// NewWithWriter は出力先を指定してロガーを生成する。
func NewWithWriter(w io.Writer, service, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})
	return slog.New(handler).With("service", service)
}

// ParseLevel はログレベル文字列を解釈する。不明な値はinfoとして扱う。
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
