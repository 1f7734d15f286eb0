package handlers

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	dbpkg "mesinsight/internal/db"
	httpctx "mesinsight/internal/http/ctx"
)

func generateAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "mes_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// CreateAPIKey serves POST /v1/apikeys with {"name": "..."}. The key value is
// only ever returned here.
func CreateAPIKey(db *gorm.DB, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		name := strings.TrimSpace(req.Name)
		if name == "" {
			errResponse(ctx, fasthttp.StatusBadRequest, "name required")
			return
		}

		key, err := generateAPIKey()
		if err != nil {
			errResponse(ctx, fasthttp.StatusInternalServerError, "failed to generate API key")
			return
		}

		apiKey := dbpkg.NewAPIKey(name, key)
		if err := db.WithContext(ctx).Create(apiKey).Error; err != nil {
			writeError(ctx, log, err)
			return
		}

		log.Info().Uint("id", apiKey.ID).Str("name", name).Msg("api key created")
		jsonResponse(ctx, fasthttp.StatusCreated, map[string]any{"id": apiKey.ID, "name": name, "prefix": apiKey.Prefix, "key": key})
	}
}

// SetActiveAPIKey serves POST /v1/apikeys/{id}/active with {"active": bool}.
// A key cannot deactivate itself.
func SetActiveAPIKey(db *gorm.DB, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		idStr, _ := ctx.UserValue("id").(string)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid id")
			return
		}
		var req struct {
			Active *bool `json:"active"`
		}
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil || req.Active == nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "active (true|false) required")
			return
		}

		var apiKey dbpkg.APIKey
		if err := db.WithContext(ctx).First(&apiKey, id).Error; err != nil {
			errResponse(ctx, fasthttp.StatusNotFound, "API key not found")
			return
		}
		if caller, ok := httpctx.APIKeyFromCtx(ctx); ok && caller.ID == apiKey.ID && !*req.Active {
			errResponse(ctx, fasthttp.StatusForbidden, "cannot deactivate the key in use")
			return
		}

		if err := db.WithContext(ctx).Model(&apiKey).Update("active", *req.Active).Error; err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"id": apiKey.ID, "active": *req.Active})
	}
}
