// Package handler はコントロールAPIのコマンド処理とルーティングを提供する。
package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/lamd/internal/middleware"
	"github.com/hitoshi/lamd/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Controller  *Controller
	RateLimiter *middleware.RateLimiter
	Logger      *slog.Logger
	// Metrics はnilの場合 /metrics を公開しない。
	Metrics http.Handler
}

// NewRouter はコントロールAPIのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → Logging → Recovery → SecurityHeaders → RateLimit
//
// コマンドは /{command} と /{command}/{id} で受け付ける。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.NewRequestIDMiddleware())
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	if deps.RateLimiter != nil {
		r.Use(deps.RateLimiter.Middleware())
	}

	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	h := &commandHandler{controller: deps.Controller}
	r.Get("/{command}", h.ServeHTTP)
	r.Post("/{command}", h.ServeHTTP)
	r.Get("/{command}/{id}", h.ServeHTTP)
	r.Post("/{command}/{id}", h.ServeHTTP)

	r.NotFound(h.ServeHTTP)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteResponse(w, http.StatusOK, model.NewResponse(model.CodeInvalid, "Invalid command.", nil))
	})

	return r
}

// commandHandler はURLからコマンド名とIDを取り出してControllerに渡す。
// 結果はボディのcodeで表し、HTTPステータスは常に200を返す。
type commandHandler struct {
	controller *Controller
}

func (h *commandHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	id := chi.URLParam(r, "id")
	if id == "" {
		id = r.URL.Query().Get("id")
	}

	resp := h.controller.Dispatch(r.Context(), command, id)
	middleware.WriteResponse(w, http.StatusOK, resp)
}
