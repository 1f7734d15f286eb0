package handlers

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/valyala/fasthttp"
	"gorm.io/gorm"

	"mesinsight/internal/db"
	"mesinsight/internal/hierarchy"
)

type dictionaryItem struct {
	Name         string         `json:"name"`
	Code         string         `json:"code"`
	ParentName   string         `json:"parent_name"`
	DefaultTag   *string        `json:"default_tag"`
	DefaultValue *int64         `json:"default_value"`
	Category     *string        `json:"category"`
	IsCumulative *bool          `json:"is_cumulative"`
	Extra        map[string]any `json:"extra"`
}

type dictionaryRequest struct {
	Items []dictionaryItem `json:"items"`
}

// SyncDictionary serves POST /v1/dictionaries/{kind}/sync where kind is
// "events" or "counts".
func SyncDictionary(gdb *gorm.DB, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		var payload dictionaryRequest
		if err := json.Unmarshal(ctx.PostBody(), &payload); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}
		if len(payload.Items) == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "no items provided")
			return
		}

		items := make([]hierarchy.Item, len(payload.Items))
		for i, it := range payload.Items {
			items[i] = hierarchy.Item{
				Name:       it.Name,
				Code:       it.Code,
				ParentName: it.ParentName,
				Fields: db.NodeFields{
					DefaultTag:   it.DefaultTag,
					DefaultValue: it.DefaultValue,
					Category:     it.Category,
					IsCumulative: it.IsCumulative,
					Extra:        it.Extra,
				},
			}
		}

		kind, _ := ctx.UserValue("kind").(string)
		var (
			res hierarchy.Result
			err error
		)
		switch strings.ToLower(kind) {
		case "events":
			res, err = hierarchy.Events(gdb, log).SyncBatch(ctx, items)
		case "counts":
			res, err = hierarchy.Counts(gdb, log).SyncBatch(ctx, items)
		default:
			errResponse(ctx, fasthttp.StatusNotFound, "unknown dictionary")
			return
		}
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, res)
	}
}

type parentRequest struct {
	ParentID *uint `json:"parent_id"`
}

// SetDictionaryParent serves POST /v1/dictionaries/{kind}/{id}/parent. A null
// parent_id detaches the node. Descendant paths are rewritten in the same
// transaction.
func SetDictionaryParent(gdb *gorm.DB, log zerolog.Logger) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		idStr, _ := ctx.UserValue("id").(string)
		id, err := strconv.ParseUint(idStr, 10, 64)
		if err != nil || id == 0 {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid id")
			return
		}
		var req parentRequest
		if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
			errResponse(ctx, fasthttp.StatusBadRequest, "invalid JSON body")
			return
		}

		kind, _ := ctx.UserValue("kind").(string)
		switch strings.ToLower(kind) {
		case "events":
			err = hierarchy.Events(gdb, log).SetParent(ctx, uint(id), req.ParentID)
		case "counts":
			err = hierarchy.Counts(gdb, log).SetParent(ctx, uint(id), req.ParentID)
		default:
			errResponse(ctx, fasthttp.StatusNotFound, "unknown dictionary")
			return
		}
		if err != nil {
			writeError(ctx, log, err)
			return
		}
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{"id": id, "parent_id": req.ParentID})
	}
}
