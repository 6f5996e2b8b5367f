//go:build unix

// Package app assembles the relay: configuration, lifecycle server,
// file transfer, routing and the scaling fan-out, on top of the native
// transport.
package app

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/searchktools/relay/config"
	"github.com/searchktools/relay/core"
	"github.com/searchktools/relay/core/cluster"
	"github.com/searchktools/relay/core/http"
	"github.com/searchktools/relay/core/native"
	"github.com/searchktools/relay/core/pipeline"
	"github.com/searchktools/relay/core/sendfile"
)

// App is one relay application instance.
type App struct {
	cfg      *config.Config
	server   *core.Server
	router   *Router
	files    *sendfile.Server
	registry metrics.Registry
	manager  *cluster.Manager
}

// New creates an application instance from loaded configuration.
func New(cfg *config.Config) (*App, error) {
	registry := metrics.NewRegistry()
	files, err := sendfile.New(sendfile.Options{
		Root:           cfg.Root,
		SmallFileLimit: cfg.SmallFileLimit,
		ChunkSize:      cfg.ChunkSize,
		CacheEntries:   cfg.CacheEntries,
	})
	if err != nil {
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		router:   NewRouter(),
		files:    files,
		registry: registry,
		manager: cluster.NewManager(cluster.Config{
			Mode:    cluster.Mode(cfg.Mode),
			Workers: cfg.Workers,
		}),
	}
	a.server = core.NewServer(core.Options{
		BodyLimit:      cfg.BodyLimit,
		StageTimeout:   cfg.StageTimeout,
		RequestTimeout: cfg.RequestTimeout,
		DevMode:        !cfg.Production(),
		Registry:       registry,
	})
	return a, nil
}

// Router returns the route table for registration.
func (a *App) Router() *Router { return a.router }

// Files returns the file transfer server for use inside handlers.
func (a *App) Files() *sendfile.Server { return a.files }

// Use appends a middleware stage ahead of the router.
func (a *App) Use(stage pipeline.Stage) { a.server.Use(stage) }

// UseError registers the error-handling stage.
func (a *App) UseError(stage pipeline.ErrorStage) { a.server.UseError(stage) }

// ServeFiles serves GET requests under prefix from the file transfer
// root, ahead of the router. Non-matching requests fall through.
func (a *App) ServeFiles(prefix string) {
	a.server.Use(func(c *http.Context, next pipeline.Next) error {
		if c.Method == "GET" && len(c.Path) > len(prefix) && c.Path[:len(prefix)] == prefix {
			return a.files.Serve(c, c.Path[len(prefix):])
		}
		return next()
	})
}

// Run starts the application and blocks for its lifetime. The router
// becomes the innermost stage; stages registered through Use run around
// it.
func (a *App) Run() error {
	a.server.Use(a.router.Stage())

	go a.awaitSignal()
	if !a.cfg.Production() {
		go metrics.Log(a.registry, time.Minute, log.Default())
	}

	return a.manager.Start(cluster.Hooks{
		RunSingle:        a.runSingle,
		RunWorkerProcess: a.runWorkerProcess,
		BindPrimary:      a.bindPrimary,
		NewWorker:        a.newWorker,
	})
}

func (a *App) runSingle() error {
	eng, err := native.NewEngine(a.server.Handle, native.Options{})
	if err != nil {
		return err
	}
	if err := eng.Bind(a.cfg.Addr()); err != nil {
		return err
	}
	log.Printf("relay listening on %s [%s]", a.cfg.Addr(), a.cfg.Env)
	return eng.Serve()
}

func (a *App) runWorkerProcess(id int, ctl *cluster.WorkerControl) error {
	eng, err := native.NewEngine(a.server.Handle, native.Options{ReusePort: true})
	if err != nil {
		return err
	}
	if err := eng.Bind(a.cfg.Addr()); err != nil {
		return err
	}
	if err := ctl.NotifyReady(id); err != nil {
		log.Printf("app: worker %d ready notification failed: %v", id, err)
	}
	go ctl.Listen(func(m cluster.Message) {
		log.Printf("app: worker %d control message %q", id, m.Kind)
	})
	log.Printf("relay worker %d listening on %s", id, a.cfg.Addr())
	return eng.Serve()
}

func (a *App) bindPrimary() (int, error) {
	return native.Listen(a.cfg.Addr(), false)
}

func (a *App) newWorker(id int) (cluster.Worker, error) {
	eng, err := native.NewEngine(a.server.Handle, native.Options{})
	if err != nil {
		return nil, err
	}
	return eng, nil
}

func (a *App) awaitSignal() {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sig := <-quit
	log.Printf("signal received: %v, shutting down", sig)
	a.manager.Close()
	os.Exit(0)
}
