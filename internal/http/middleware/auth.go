package middleware

import (
	"bytes"
	"errors"
	"time"

	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "mesinsight/internal/db"
	httpctx "mesinsight/internal/http/ctx"
)

var bearerPrefix = []byte("Bearer ")

// bearerToken extracts the token from the Authorization header. On failure
// it returns the message to send back.
func bearerToken(ctx *fasthttp.RequestCtx) (string, string) {
	auth := ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)
	switch {
	case len(auth) == 0:
		return "", "missing Authorization header"
	case !bytes.HasPrefix(auth, bearerPrefix):
		return "", "invalid Authorization header"
	}

	token := bytes.TrimSpace(auth[len(bearerPrefix):])
	if len(token) == 0 {
		return "", "empty bearer token"
	}
	return string(token), ""
}

func unauthorized(ctx *fasthttp.RequestCtx, msg string) {
	ctx.Response.Header.Set(fasthttp.HeaderWWWAuthenticate, `Bearer realm="mesinsight"`)
	ctx.SetStatusCode(fasthttp.StatusUnauthorized)
	ctx.SetBodyString(msg)
}

// BearerAuth validates Bearer tokens against the stored API key hashes.
func BearerAuth(db *gorm.DB) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			token, msg := bearerToken(ctx)
			if msg != "" {
				unauthorized(ctx, msg)
				return
			}

			apiKey, err := dbpkg.FindActiveAPIKey(ctx, db, token, time.Now())
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					unauthorized(ctx, "invalid API key")
					return
				}
				ctx.SetStatusCode(fasthttp.StatusInternalServerError)
				ctx.SetBodyString("database error")
				return
			}

			httpctx.SetAPIKey(ctx, apiKey)
			next(ctx)
		}
	}
}
