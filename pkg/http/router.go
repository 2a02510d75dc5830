package xhttp

import (
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/nimasrn/chat-relay/pkg/logger"
)

type Router = router.Router

// CreateDefaultRouter returns a router whose fallbacks answer in JSON so
// API clients never have to parse a plain-text error page.
func CreateDefaultRouter() *Router {
	r := router.New()
	r.RedirectFixedPath = true
	r.RedirectTrailingSlash = false
	r.SaveMatchedRoutePath = true
	r.HandleOPTIONS = false
	r.HandleMethodNotAllowed = true
	r.NotFound = NotFoundHandler
	r.MethodNotAllowed = MethodNotAllowedHandler
	r.PanicHandler = func(ctx *RequestCtx, rcv interface{}) {
		logger.Error("panic in route", "path", string(ctx.Path()), "panic", rcv)
		writeFallback(ctx, StatusInternalServerError)
	}
	return r
}

func NotFoundHandler(ctx *RequestCtx) {
	writeFallback(ctx, StatusNotFound)
}

func MethodNotAllowedHandler(ctx *RequestCtx) {
	writeFallback(ctx, StatusMethodNotAllowed)
}

// writeFallback mirrors the handlers' response envelope without importing them.
func writeFallback(ctx *RequestCtx, status int) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	ctx.SetBodyString(`{"success":false,"error":{"code":` + strconv.Itoa(status) +
		`,"message":` + strconv.Quote(StatusText(status)) +
		`},"timestamp":"` + time.Now().UTC().Format(time.RFC3339) + `"}`)
}
