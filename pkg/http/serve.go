package xhttp

import (
	"net"
	"reflect"
	"runtime"
	"slices"
	"time"

	"github.com/nimasrn/chat-relay/pkg/logger"
	"github.com/valyala/fasthttp"
)

type RequestHeader = fasthttp.RequestHeader
type ResponseHeader = fasthttp.ResponseHeader
type Server = fasthttp.Server

type ServerOption struct {
	Handler RequestHandler

	// if we keep open idle connections for too long,
	// we can get too many open files error, so we need to set a max idle time for idle connections
	IdleTimeout time.Duration

	// just for security reasons and preventing form any attack
	// default is 4MB
	MaxRequestBodySize int

	// ReadBufferSize is the per-connection buffer size for
	// requests' reading. It also caps the header size.
	ReadBufferSize  int
	WriteBufferSize int

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. Hijacked websocket connections manage their own deadlines.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	Concurrency   int
	MaxConnsPerIP int

	ErrorHandler func(ctx *RequestCtx, err error)
	Name         string
	Logger       logger.Logger
}

func DefaultServerOption() ServerOption {
	return ServerOption{
		Handler:            NotFoundHandler,
		IdleTimeout:        time.Second * 10,
		MaxRequestBodySize: 4 * 1024 * 1024,
		ReadBufferSize:     1024 * 4,
		WriteBufferSize:    1024 * 4,
		ReadTimeout:        time.Millisecond * 2500,
		WriteTimeout:       time.Millisecond * 2500,
		Concurrency:        30_000,
		MaxConnsPerIP:      10_000,
		ErrorHandler: func(ctx *RequestCtx, err error) {
			ctx.Logger().Printf("[xhttp] error: %s", err)
		},
		Logger: logger.GetLogger(),
	}
}

type Engine struct {
	*Router
	*Server
	option ServerOption
	middle []MiddlewareFunc
}

func newServer(options ServerOption) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:               options.Handler,
		ErrorHandler:          options.ErrorHandler,
		Name:                  options.Name,
		Concurrency:           options.Concurrency,
		ReadBufferSize:        options.ReadBufferSize,
		WriteBufferSize:       options.WriteBufferSize,
		ReadTimeout:           options.ReadTimeout,
		WriteTimeout:          options.WriteTimeout,
		IdleTimeout:           options.IdleTimeout,
		MaxConnsPerIP:         options.MaxConnsPerIP,
		MaxRequestBodySize:    options.MaxRequestBodySize,
		TCPKeepalive:          true,
		LogAllErrors:          true,
		NoDefaultServerHeader: true,
		NoDefaultDate:         true,
		NoDefaultContentType:  true,
		CloseOnShutdown:       true,
		Logger:                options.Logger,
	}
}

func NewServer(options ServerOption) *Engine {
	return &Engine{
		Server: newServer(options),
		Router: CreateDefaultRouter(),
		option: options,
	}
}

func CreateServer() *Engine {
	return NewServer(DefaultServerOption())
}

func (e *Engine) ListenAndServe(addr string) error {
	e.DoRouting()
	e.Server.Logger.Printf("[xhttp] server is listening on %s", addr)
	return e.Server.ListenAndServe(addr)
}

// Serve runs the engine on an existing listener, e.g. an in-memory one in tests.
func (e *Engine) Serve(ln net.Listener) error {
	e.DoRouting()
	return e.Server.Serve(ln)
}

func (e *Engine) DoRouting() {
	for method, route := range e.Router.List() {
		for _, r := range route {
			e.Server.Logger.Printf("[xhttp] method: %s, path: %s", method, r)
		}
	}
	e.Server.Handler = e.Router.Handler
	// the first registered middleware ends up outermost
	middle := slices.Clone(e.middle)
	slices.Reverse(middle)
	for i, m := range middle {
		e.Server.Handler = m(e.Server.Handler)
		e.Server.Logger.Printf("[xhttp] middleware %d registered - %s", i+1, runtime.FuncForPC(reflect.ValueOf(m).Pointer()).Name())
	}
}

// Use adds middleware to the chain which is run for every request.
func (e *Engine) Use(middleware MiddlewareFunc) {
	e.middle = append(e.middle, middleware)
}

// Shutdown gracefully shuts down the server without interrupting any active connections.
func (e *Engine) Shutdown() {
	e.Server.Logger.Printf("[xhttp] closing all connections..")
	if err := e.Server.Shutdown(); err != nil {
		e.Server.Logger.Printf("[xhttp] error while shutting down: %v", err)
	}
}
