package middleware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/valyala/fasthttp"

	httpctx "mesinsight/internal/http/ctx"
)

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		msg    string
	}{
		{"", "", "missing Authorization header"},
		{"Basic abc", "", "invalid Authorization header"},
		{"Bearer mes_abc ", "mes_abc", ""},
	}
	for _, tc := range cases {
		var ctx fasthttp.RequestCtx
		if tc.header != "" {
			ctx.Request.Header.Set(fasthttp.HeaderAuthorization, tc.header)
		}
		token, msg := bearerToken(&ctx)
		assert.Equal(t, tc.token, token, tc.header)
		assert.Equal(t, tc.msg, msg, tc.header)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(func(ctx *fasthttp.RequestCtx) {
		seen = httpctx.RequestIDFromCtx(ctx)
	})

	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set(requestIDHeader, "abc-123")
	h(&ctx)
	assert.Equal(t, "abc-123", seen)
	assert.Equal(t, "abc-123", string(ctx.Response.Header.Peek(requestIDHeader)))

	var fresh fasthttp.RequestCtx
	h(&fresh)
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, string(fresh.Response.Header.Peek(requestIDHeader)))
}
