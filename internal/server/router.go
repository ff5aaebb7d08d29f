package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	mng "github.com/loykin/guardian/internal/manager"
	"github.com/loykin/guardian/internal/process"
	"github.com/loykin/guardian/internal/recovery"
)

// Fleet is the part of the process manager the API drives.
type Fleet interface {
	Status() []process.Status
	ProcessStatus(name string) (process.Status, error)
	StartProcess(ctx context.Context, name string) error
	StopProcessWithGrace(ctx context.Context, name string, grace time.Duration) error
	RestartProcess(ctx context.Context, name string) error
	StartAll(ctx context.Context, flag mng.Flag) error
	StopAll(ctx context.Context) error
}

// StatsSource exposes recovery counters.
type StatsSource interface {
	Stats() recovery.Stats
}

// Router provides embeddable HTTP handlers for the running supervisor.
// Endpoints:
//
//	GET  {basePath}/status          query: name=... (optional; all when empty)
//	POST {basePath}/start           query: name=...
//	POST {basePath}/stop            query: name=...&wait=1s (wait optional)
//	POST {basePath}/restart         query: name=... (optional; all when empty)
//	GET  {basePath}/recovery/stats
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	fleet    Fleet
	stats    StatsSource
	flag     mng.Flag
	basePath string
	token    string
}

// Options configures a Router.
type Options struct {
	BasePath string
	Token    string   // when set, requests need "Authorization: Bearer <token>"
	Flag     mng.Flag // shutdown flag honoured by a full restart
}

// NewRouter constructs a new Router.
func NewRouter(fleet Fleet, stats StatsSource, opts Options) *Router {
	return &Router{
		fleet:    fleet,
		stats:    stats,
		flag:     opts.Flag,
		basePath: sanitizeBase(opts.BasePath),
		token:    opts.Token,
	}
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.Use(r.auth())
	group.GET("/status", r.handleStatus)
	group.POST("/start", r.handleStart)
	group.POST("/stop", r.handleStop)
	group.POST("/restart", r.handleRestart)
	group.GET("/recovery/stats", r.handleRecoveryStats)
	return g
}

// NewServer listens on addr and serves the router in the background. Bind
// errors are returned directly.
func NewServer(addr string, r *Router) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// restarts wait for grace periods and readiness
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	go func() { _ = server.Serve(ln) }()
	return server, nil
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

func (r *Router) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.token == "" {
			c.Next()
			return
		}
		got, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(r.token)) != 1 {
			writeJSON(c, http.StatusUnauthorized, errorResp{Error: "authentication required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func requireName(c *gin.Context) (string, bool) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "name query param required"})
		return "", false
	}
	return name, true
}

func writeErr(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	if errors.Is(err, mng.ErrUnknownProcess) {
		code = http.StatusNotFound
	}
	writeJSON(c, code, errorResp{Error: err.Error()})
}

func (r *Router) handleStatus(c *gin.Context) {
	name := c.Query("name")
	if name == "" {
		writeJSON(c, http.StatusOK, r.fleet.Status())
		return
	}
	st, err := r.fleet.ProcessStatus(name)
	if err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, st)
}

func (r *Router) handleStart(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	if err := r.fleet.StartProcess(c.Request.Context(), name); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleStop(c *gin.Context) {
	name, ok := requireName(c)
	if !ok {
		return
	}
	var wait time.Duration
	if s := c.Query("wait"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid wait: " + err.Error()})
			return
		}
		wait = d
	}
	if err := r.fleet.StopProcessWithGrace(c.Request.Context(), name, wait); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRestart(c *gin.Context) {
	ctx := c.Request.Context()
	if name := c.Query("name"); name != "" {
		if err := r.fleet.RestartProcess(ctx, name); err != nil {
			writeErr(c, err)
			return
		}
		writeJSON(c, http.StatusOK, okResp{OK: true})
		return
	}
	if err := r.fleet.StopAll(ctx); err != nil {
		writeErr(c, err)
		return
	}
	if err := r.fleet.StartAll(ctx, r.flag); err != nil {
		writeErr(c, err)
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleRecoveryStats(c *gin.Context) {
	if r.stats == nil {
		writeJSON(c, http.StatusOK, recovery.Stats{ByScenario: map[string]int{}})
		return
	}
	writeJSON(c, http.StatusOK, r.stats.Stats())
}
