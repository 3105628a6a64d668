// Command forgesyte boots the ForgeSyte execution substrate: it loads
// plugins and pipeline definitions, starts the worker loop, and serves the
// two WebSocket surfaces the core defines (the realtime per-frame analyzer
// and the job progress channel). Full-blown HTTP routing/auth and object
// storage of uploaded bytes are left to a real deployment; the thin
// multipart/JSON handlers below exist only so the wired components are
// reachable from outside the process, using env-var configuration, a
// goroutine-launched server, and signal-driven graceful shutdown rather
// than a from-scratch framework.
package main

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/forgesyte/forgesyte-go/internal/config"
	"github.com/forgesyte/forgesyte-go/internal/dag"
	"github.com/forgesyte/forgesyte-go/internal/forgeerr"
	"github.com/forgesyte/forgesyte-go/internal/governance"
	"github.com/forgesyte/forgesyte-go/internal/jobmanager"
	"github.com/forgesyte/forgesyte-go/internal/manifestcache"
	"github.com/forgesyte/forgesyte-go/internal/plugin"
	"github.com/forgesyte/forgesyte-go/internal/plugin/sample"
	"github.com/forgesyte/forgesyte-go/internal/progresschannel"
	"github.com/forgesyte/forgesyte-go/internal/realtime"
	"github.com/forgesyte/forgesyte-go/internal/registry"
	"github.com/forgesyte/forgesyte-go/internal/video"
	"github.com/forgesyte/forgesyte-go/internal/worker"
	"github.com/forgesyte/forgesyte-go/internal/wsmanager"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func main() {
	port := getEnv("FORGESYTE_PORT", "8080")
	pipelineDir := getEnv("FORGESYTE_PIPELINE_DIR", "./pipelines")
	uploadDir := getEnv("FORGESYTE_UPLOAD_DIR", os.TempDir())
	defaultPipeline := getEnv("FORGESYTE_DEFAULT_PIPELINE", "ocr_only")
	defaultPlugin := getEnv("FORGESYTE_DEFAULT_PLUGIN", "ocr")
	frameStride := getEnvInt("FORGESYTE_FRAME_STRIDE", 1)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}
	defer logger.Sync()

	defaults := config.Default()

	reg := registry.New(registry.WithLogger(logger))
	loadResult := reg.LoadPlugins([]plugin.Factory{
		func() (plugin.Plugin, error) { return sample.New(), nil },
		func() (plugin.Plugin, error) { return sample.NewDetector(), nil },
	})
	for name, loadErr := range loadResult.Errors {
		logger.Warn("plugin failed to load", zap.String("plugin", name), zap.Error(loadErr))
	}
	if err := governance.CheckAtLeastOnePluginLoaded(reg); err != nil {
		logger.Fatal("no plugins loaded", zap.Error(err))
	}

	loader, err := dag.LoadDirectory(pipelineDir, reg)
	if err != nil {
		logger.Fatal("loading pipeline definitions", zap.Error(err), zap.String("dir", pipelineDir))
	}
	if err := governance.CheckPipelineIDsResolve(loader, []string{defaultPipeline}); err != nil {
		logger.Fatal("default pipeline not loaded", zap.Error(err))
	}
	executor := dag.NewExecutor(loader, reg)

	manifestSvc := manifestcache.NewService(reg, manifestcache.New(manifestcache.WithTTL(defaults.ManifestTTL)))

	videoSvc := video.NewService(video.OpenGIF, executor)

	jobManager := jobmanager.New()
	recovered := jobManager.RecoverFromCrash()
	if recovered > 0 {
		logger.Warn("marked interrupted jobs failed on startup", zap.Int("count", recovered))
	}

	wsManager := wsmanager.New(wsmanager.WithLogger(logger))
	progressChannel := progresschannel.New(wsManager,
		progresschannel.WithLogger(logger),
		progresschannel.WithIdleTimeout(defaults.SessionIdleTimeout),
	)

	runner := newVideoRunner(videoSvc, frameStride)
	workerLoop := worker.New(jobManager, runner, wsManager,
		worker.WithPollInterval(defaults.WorkerPollInterval),
		worker.WithJobTimeout(defaults.JobTimeout),
		worker.WithLogger(logger),
	)

	workerCtx, cancelWorker := context.WithCancel(context.Background())
	go workerLoop.Run(workerCtx)

	mux := http.NewServeMux()
	registerRoutes(mux, routeDeps{
		reg:             reg,
		manifestSvc:     manifestSvc,
		loader:          loader,
		jobManager:      jobManager,
		uploadDir:       uploadDir,
		defaultPipeline: defaultPipeline,
		defaultPlugin:   defaultPlugin,
		wsManager:          wsManager,
		progressChannel:    progressChannel,
		sessionIdleTimeout: defaults.SessionIdleTimeout,
		logger:             logger,
	})

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       defaults.SessionIdleTimeout,
	}

	go func() {
		logger.Info("forgesyte listening", zap.String("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server forced to shut down", zap.Error(err))
	}
}

type routeDeps struct {
	reg                *registry.Registry
	manifestSvc        *manifestcache.Service
	loader             *dag.Loader
	jobManager         *jobmanager.Manager
	uploadDir          string
	defaultPipeline    string
	defaultPlugin      string
	wsManager          *wsmanager.Manager
	progressChannel    *progresschannel.Channel
	sessionIdleTimeout time.Duration
	logger             *zap.Logger
}

func registerRoutes(mux *http.ServeMux, d routeDeps) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	mux.HandleFunc("/v1/plugins", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.reg.List())
	})

	mux.HandleFunc("/v1/plugins/", func(w http.ResponseWriter, r *http.Request) {
		// /v1/plugins/{id}/manifest
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/plugins/"), "/")
		if len(parts) != 2 || parts[1] != "manifest" {
			http.NotFound(w, r)
			return
		}
		m, err := d.manifestSvc.Manifest(parts[0])
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, m)
	})

	mux.HandleFunc("/v1/video/submit", func(w http.ResponseWriter, r *http.Request) {
		handleVideoSubmit(w, r, d)
	})

	mux.HandleFunc("/v1/video/status/", func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/v1/video/status/")
		job, err := d.jobManager.Get(jobID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	})

	mux.HandleFunc("/v1/stream", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		activePlugin := r.URL.Query().Get("plugin")
		if activePlugin == "" {
			activePlugin = d.defaultPlugin
		}
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = r.RemoteAddr
		}
		session := realtime.New(conn, d.reg, clientID, activePlugin,
			realtime.WithLogger(d.logger),
			realtime.WithIdleTimeout(d.sessionIdleTimeout),
		)
		session.Run(r.Context())
	})

	mux.HandleFunc("/ws/jobs/", func(w http.ResponseWriter, r *http.Request) {
		jobID := strings.TrimPrefix(r.URL.Path, "/ws/jobs/")
		if jobID == "" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			d.logger.Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		clientID := r.URL.Query().Get("client_id")
		if clientID == "" {
			clientID = r.RemoteAddr
		}
		d.progressChannel.Serve(conn, clientID, jobID)
	})
}

func handleVideoSubmit(w http.ResponseWriter, r *http.Request, d routeDeps) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.InvalidInput, err, "parsing multipart form"))
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.InvalidInput, err, "missing multipart field %q", "file"))
		return
	}
	defer file.Close()

	pipelineID := r.URL.Query().Get("pipeline_id")
	if pipelineID == "" {
		pipelineID = d.defaultPipeline
	}
	toolName := r.URL.Query().Get("tool_name")

	dest := filepath.Join(d.uploadDir, header.Filename)
	out, err := os.Create(dest)
	if err != nil {
		writeError(w, forgeerr.Wrap(forgeerr.Internal, err, "staging upload"))
		return
	}
	if _, err := io.Copy(out, file); err != nil {
		out.Close()
		writeError(w, forgeerr.Wrap(forgeerr.Internal, err, "staging upload"))
		return
	}
	out.Close()

	jobID, err := d.jobManager.Submit(d.loader, pipelineID, toolName, dest)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := httpStatusFor(forgeerr.KindOf(err))
	writeJSON(w, status, map[string]any{"error": map[string]string{
		"kind":    string(forgeerr.KindOf(err)),
		"message": err.Error(),
	}})
}

func httpStatusFor(kind forgeerr.Kind) int {
	switch kind {
	case forgeerr.InvalidInput, forgeerr.Protocol:
		return http.StatusBadRequest
	case forgeerr.PluginNotFound, forgeerr.ToolNotFound, forgeerr.PipelineNotFound, forgeerr.JobNotFound:
		return http.StatusNotFound
	case forgeerr.JobTerminal, forgeerr.Backpressure:
		return http.StatusConflict
	case forgeerr.Timeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}
