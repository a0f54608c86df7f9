package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	chiMiddleware "github.com/go-chi/chi/middleware"

	"github.com/frahmantamala/lms-backend/pkg/logger"
)

const maxLoggedBody = 16 << 10

// redactedKeys are matched case-insensitively against JSON keys. Matching is
// by substring, so "key" also covers signature_key and server_key.
var redactedKeys = []string{
	"password",
	"token",
	"authorization",
	"secret",
	"signature",
	"key",
	"credential",
	"cookie",
}

// LoggingMiddleware writes one access line per request through the
// request-scoped logger, so every line carries request_id. Request bodies are
// logged redacted, and only at debug level.
func LoggingMiddleware(base *slog.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := r.Context()
			log := logger.FromOr(ctx, base)

			if log.Enabled(ctx, slog.LevelDebug) {
				log.Debug("request received",
					"method", r.Method,
					"path", r.URL.Path,
					"content_type", r.Header.Get("Content-Type"),
					"body", redactBody(peekBody(r)))
			}

			ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Log(ctx, levelFor(status), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"user_agent", r.UserAgent())
		})
	}
}

func levelFor(status int) slog.Level {
	switch {
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	}
	return slog.LevelInfo
}

type replayBody struct {
	io.Reader
	io.Closer
}

// peekBody reads up to maxLoggedBody bytes and puts them back in front of the
// unread remainder.
func peekBody(r *http.Request) []byte {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	head, _ := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(head), r.Body), Closer: r.Body}
	return head
}

func redactBody(body []byte) any {
	if len(body) == 0 {
		return nil
	}
	var decoded any
	if err := json.Unmarshal(body, &decoded); err != nil {
		return fmt.Sprintf("[unparsed body, %d bytes]", len(body))
	}
	return redact(decoded)
}

func redact(value any) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, inner := range v {
			if isRedacted(key) {
				out[key] = "[FILTERED]"
				continue
			}
			out[key] = redact(inner)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			out[i] = redact(inner)
		}
		return out
	}
	return value
}

func isRedacted(key string) bool {
	key = strings.ToLower(key)
	for _, candidate := range redactedKeys {
		if strings.Contains(key, candidate) {
			return true
		}
	}
	return false
}
