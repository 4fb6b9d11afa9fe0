// Package server 以 HTTP 暴露生成流水线：上传一份文档，返回按主题组织的学习材料。
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"studygen/internal/diag"
	"studygen/internal/pipeline"
	"studygen/pkg/contract"
)

// DefaultMaxUploadBytes 为上传体积默认上限。
const DefaultMaxUploadBytes = 16 << 20

// 上传表单内存缓冲上限，超出部分落临时文件。
const multipartMemory = 8 << 20

// Options: 服务配置。
type Options struct {
	MaxUploadBytes int64
	// AllowedOrigins: CORS 白名单；为空允许任意来源。
	AllowedOrigins []string
	// DefaultMode: 表单未给出 type 时使用。
	DefaultMode contract.Mode
	Logger      *diag.Logger
}

// Server 持有装配好的组件；每个请求独立运行一次流水线。
type Server struct {
	comp   pipeline.Components
	set    pipeline.Settings
	o      Options
	router chi.Router
}

// New 创建服务并注册路由。
func New(comp pipeline.Components, set pipeline.Settings, o Options) *Server {
	if o.MaxUploadBytes <= 0 {
		o.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.DefaultMode == "" {
		o.DefaultMode = contract.ModeFlashcards
	}
	if o.Logger == nil {
		o.Logger = diag.NewNop()
	}
	if set.Logger == nil {
		set.Logger = o.Logger
	}
	s := &Server{comp: comp, set: set, o: o}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: o.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	}))
	r.Post("/upload", s.handleUpload)
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(diag.Registry(), promhttp.HandlerOpts{}))
	s.router = r
	return s
}

// Handler 返回根路由。
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe 监听 addr 直到 ctx 结束，随后优雅关闭（最多等待 10s）。
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	hs := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- hs.ListenAndServe() }()
	s.o.Logger.Zap().Info("listening", zap.String("comp", "server"), zap.String("addr", addr))
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// handleUpload: multipart 字段 file（必需）与 type（默认 flashcards）。
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.o.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload exceeds %d bytes", s.o.MaxUploadBytes))
			return
		}
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	f, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "No file part")
		return
	}
	defer f.Close()

	mode := s.o.DefaultMode
	if t := strings.TrimSpace(r.FormValue("type")); t != "" {
		m, err := contract.ParseMode(t)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid type %q: expected one of flashcards, quiz, summary", t))
			return
		}
		mode = m
	}

	name := uploadName(hdr.Filename)
	ctx := diag.WithDocID(r.Context(), name)
	res, err := pipeline.Process(ctx, s.comp, s.set, name, f, mode)
	if err != nil {
		status := statusFor(err)
		s.o.Logger.ErrorWithKV("server", string(diag.Classify(err)), "upload failed", nil, name, 0,
			map[string]string{"status": fmt.Sprintf("%d", status), "error": err.Error()})
		writeError(w, status, err.Error())
		return
	}
	b, err := pipeline.MarshalResult(res)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// logRequests 为每个请求记录一条 finish 事件（含状态码与请求 ID）。
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		t := s.o.Logger.StartWithKV("server", "request", "", 0, map[string]string{
			"method": r.Method, "path": r.URL.Path, "request_id": middleware.GetReqID(r.Context()),
		})
		next.ServeHTTP(ww, r)
		t.Finish("request", int64(ww.BytesWritten()))
	})
}

// uploadName 规范上传文件名；无扩展名时按 PDF 处理。
func uploadName(fn string) string {
	fn = path.Base(strings.ReplaceAll(strings.TrimSpace(fn), "\\", "/"))
	if fn == "." || fn == "/" || fn == "" {
		fn = "upload"
	}
	if path.Ext(fn) == "" {
		fn += ".pdf"
	}
	return fn
}

// statusFor 将流水线错误映射为 HTTP 状态码。
func statusFor(err error) int {
	switch {
	case errors.Is(err, contract.ErrUnsupportedFormat):
		return http.StatusUnsupportedMediaType
	case errors.Is(err, contract.ErrBudgetExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, pipeline.ErrUnreadable):
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
