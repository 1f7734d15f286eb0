// Package ctx carries per-request values on the fasthttp request context.
package ctx

import (
	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"

	dbpkg "mesinsight/internal/db"
)

type key int

const (
	apiKeyKey key = iota
	requestIDKey
)

func SetAPIKey(ctx *fasthttp.RequestCtx, apiKey *dbpkg.APIKey) {
	ctx.SetUserValue(apiKeyKey, apiKey)
}

// APIKeyFromCtx returns the key that authenticated the request, if any.
func APIKeyFromCtx(ctx *fasthttp.RequestCtx) (*dbpkg.APIKey, bool) {
	ak, ok := ctx.UserValue(apiKeyKey).(*dbpkg.APIKey)
	return ak, ok && ak != nil
}

func SetRequestID(ctx *fasthttp.RequestCtx, id string) {
	ctx.SetUserValue(requestIDKey, id)
}

func RequestIDFromCtx(ctx *fasthttp.RequestCtx) string {
	s, _ := ctx.UserValue(requestIDKey).(string)
	return s
}

// Logger returns log annotated with the request id and, once authenticated,
// the calling key's name.
func Logger(ctx *fasthttp.RequestCtx, log zerolog.Logger) zerolog.Logger {
	lc := log.With()
	if id := RequestIDFromCtx(ctx); id != "" {
		lc = lc.Str("request_id", id)
	}
	if ak, ok := APIKeyFromCtx(ctx); ok {
		lc = lc.Str("api_key", ak.Name)
	}
	return lc.Logger()
}
