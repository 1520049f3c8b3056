package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"faceswap_access/auth"
	"faceswap_access/config"
	"faceswap_access/invoker"
	"faceswap_access/middleware"
	"faceswap_access/models"
	"faceswap_access/response"
	"faceswap_access/store"
	"faceswap_access/uploader"
	"faceswap_access/utils"
)

// multipartOverhead is the allowance for form fields and boundaries on top of the file ceiling
const multipartOverhead = 1 << 20

// Invoker calls remote functions
type Invoker interface {
	Invoke(ctx context.Context, functionName string, payload map[string]any) (response.Reply, error)
}

// StatusChecker verifies the held credential with the backend
type StatusChecker interface {
	CheckStatus(ctx context.Context) bool
}

// ServerHandler exposes the access layer over HTTP for local UI collaborators
type ServerHandler struct {
	config      *config.Config
	invoker     Invoker
	status      StatusChecker
	uploader    *uploader.Uploader
	session     *store.Session
	categories  *store.VersionedCache
	fileHandler *utils.FileHandler
}

// NewServerHandler creates a new ServerHandler
func NewServerHandler(cfg *config.Config, inv Invoker, status StatusChecker, up *uploader.Uploader, session *store.Session, categories *store.VersionedCache) *ServerHandler {
	return &ServerHandler{
		config:      cfg,
		invoker:     inv,
		status:      status,
		uploader:    up,
		session:     session,
		categories:  categories,
		fileHandler: utils.NewFileHandler(cfg.Local, cfg.Storage.MaxFileSize),
	}
}

// RegisterRoutes registers all HTTP routes
func (h *ServerHandler) RegisterRoutes(mux *http.ServeMux) {
	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return middleware.RecoverMiddleware(
			middleware.LoggingMiddleware(
				middleware.TimeoutMiddleware(h.config.Server.WriteTimeout)(
					http.HandlerFunc(handler),
				),
			),
		)
	}

	mux.Handle("POST /api/functions/{name}", withMiddleware(h.InvokeHandler))
	mux.Handle("GET /api/categories", withMiddleware(h.CategoriesHandler))
	mux.Handle("POST /api/uploads", withMiddleware(h.UploadHandler))
	mux.Handle("POST /api/uploads/batch", withMiddleware(h.BatchUploadHandler))
	mux.Handle("DELETE /api/objects/{key...}", withMiddleware(h.DeleteObjectHandler))
	mux.Handle("POST /api/session/logout", withMiddleware(h.LogoutHandler))
	mux.Handle("GET /api/session/status", withMiddleware(h.SessionStatusHandler))

	mux.Handle("GET /health", withMiddleware(h.HealthCheckHandler))
}

// InvokeHandler forwards a JSON payload to the named remote function
func (h *ServerHandler) InvokeHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)
	name := r.PathValue("name")

	payload := map[string]any{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil && !errors.Is(err, io.EOF) {
		logger.Warn().
			Str("function", name).
			Err(err).
			Msg("Failed to parse request body")
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body", err.Error())
		return
	}

	reply, err := h.invoker.Invoke(ctx, name, payload)
	if err != nil {
		h.respondInvokeError(ctx, w, name, err)
		return
	}

	utils.RespondWithJSON(w, http.StatusOK, models.InvocationResponse{
		Success: response.IsSuccess(reply),
		Reply:   reply,
	})
}

func (h *ServerHandler) respondInvokeError(ctx context.Context, w http.ResponseWriter, name string, err error) {
	logger := zerolog.Ctx(ctx)

	var authErr *auth.AuthError
	var invErr *invoker.InvocationError
	switch {
	case errors.As(err, &authErr):
		logger.Error().Str("function", name).Err(err).Msg("Sign-in failed")
		utils.RespondWithError(w, http.StatusUnauthorized, "Authentication failed", err.Error())
	case errors.As(err, &invErr):
		logger.Error().Str("function", name).Int("backend_status", invErr.Status).Err(err).Msg("Function call failed")
		utils.RespondWithError(w, http.StatusBadGateway, "Function call failed", err.Error())
	default:
		logger.Error().Str("function", name).Err(err).Msg("Function call failed")
		utils.RespondWithError(w, http.StatusInternalServerError, "Function call failed", err.Error())
	}
}

// CategoriesHandler returns the template category list, served from the local
// cache while it is fresh. ?refresh=true bypasses the cache.
func (h *ServerHandler) CategoriesHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	if r.URL.Query().Get("refresh") != "true" {
		var cached any
		if h.categories.Read(ctx, &cached) {
			utils.RespondWithJSON(w, http.StatusOK, models.CategoriesResponse{Categories: cached, Cached: true})
			return
		}
	}

	fn := h.config.Backend.CategoryFunction
	reply, err := h.invoker.Invoke(ctx, fn, map[string]any{})
	if err != nil {
		h.respondInvokeError(ctx, w, fn, err)
		return
	}
	if !response.IsSuccess(reply) {
		logger.Warn().
			Str("function", fn).
			Str("message", reply.Message()).
			Msg("Category lookup rejected")
		utils.RespondWithError(w, http.StatusBadGateway, "Category lookup failed", reply.Message())
		return
	}

	categories := reply.Data()
	if categories == nil {
		categories = []any{}
	}
	h.categories.Write(ctx, categories)

	utils.RespondWithJSON(w, http.StatusOK, models.CategoriesResponse{Categories: categories})
}

// UploadHandler stores a single multipart file under the requested prefix
func (h *ServerHandler) UploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.config.Storage.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.config.Local.MaxMultipartMem); err != nil {
		logger.Warn().Err(err).Msg("Failed to parse multipart form")
		utils.RespondWithError(w, http.StatusBadRequest, "Failed to parse form", err.Error())
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Failed to retrieve file", err.Error())
		return
	}
	defer file.Close()

	prefix, ok := cleanPrefix(r.FormValue("prefix"), uploader.UserPhotos)
	if !ok {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid prefix", "Prefix must be a relative path")
		return
	}

	tempDir, err := h.fileHandler.CreateTempDir(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create temp directory")
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create temp directory", err.Error())
		return
	}
	defer h.fileHandler.CleanupTempDir(ctx, tempDir)

	localPath, size, err := h.fileHandler.SaveUpload(ctx, tempDir, header.Filename, file)
	if err != nil {
		utils.RespondWithError(w, http.StatusRequestEntityTooLarge, "Failed to save file", err.Error())
		return
	}

	task := uploader.NewTask(h.uploader)
	stop := context.AfterFunc(ctx, task.Cancel)
	defer stop()

	outcome := task.Upload(ctx, models.UploadDescriptor{
		LocalURI: localPath,
		Name:     header.Filename,
		Type:     header.Header.Get("Content-Type"),
		Size:     &size,
	}, prefix)

	if task.Cancelled() {
		logger.Warn().Str("file", header.Filename).Msg("Client went away during upload")
	}
	if !outcome.Success {
		utils.RespondWithJSON(w, http.StatusBadGateway, outcome)
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, outcome)
}

// BatchUploadHandler extracts a zip archive and uploads its images in order
func (h *ServerHandler) BatchUploadHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := zerolog.Ctx(ctx)

	r.Body = http.MaxBytesReader(w, r.Body, h.config.Storage.MaxFileSize+multipartOverhead)
	if err := r.ParseMultipartForm(h.config.Local.MaxMultipartMem); err != nil {
		logger.Warn().Err(err).Msg("Failed to parse multipart form")
		utils.RespondWithError(w, http.StatusBadRequest, "Failed to parse form", err.Error())
		return
	}

	file, header, err := r.FormFile("archive")
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Failed to retrieve archive", err.Error())
		return
	}
	defer file.Close()

	basePath, ok := cleanPrefix(r.FormValue("basePath"), uploader.Temp)
	if !ok {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid base path", "Base path must be a relative path")
		return
	}

	tempDir, err := h.fileHandler.CreateTempDir(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create temp directory")
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to create temp directory", err.Error())
		return
	}
	defer h.fileHandler.CleanupTempDir(ctx, tempDir)

	zipPath, _, err := h.fileHandler.SaveUpload(ctx, tempDir, header.Filename, file)
	if err != nil {
		utils.RespondWithError(w, http.StatusRequestEntityTooLarge, "Failed to save archive", err.Error())
		return
	}

	extractDir, err := h.fileHandler.ExtractZip(ctx, zipPath, tempDir)
	if err != nil {
		utils.RespondWithError(w, http.StatusBadRequest, "Failed to extract archive", err.Error())
		return
	}

	images, err := h.fileHandler.CollectImages(ctx, extractDir)
	if err != nil {
		utils.RespondWithError(w, http.StatusInternalServerError, "Failed to read archive", err.Error())
		return
	}
	if len(images) == 0 {
		utils.RespondWithError(w, http.StatusBadRequest, "No images found", "Archive must contain .jpg, .jpeg, .png, .webp, .heic or .gif files")
		return
	}

	descs := make([]models.UploadDescriptor, len(images))
	for i, p := range images {
		descs[i] = models.UploadDescriptor{LocalURI: p, Name: filepath.Base(p)}
	}

	outcomes := h.uploader.UploadMultipleFiles(ctx, descs, basePath, func(completed, total int) {
		logger.Debug().
			Int("completed", completed).
			Int("total", total).
			Msg("Batch progress")
	}, nil)

	resp := models.BatchUploadResponse{Outcomes: outcomes}
	for _, o := range outcomes {
		if o.Success {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	utils.RespondWithJSON(w, http.StatusOK, resp)
}

// DeleteObjectHandler removes a stored object by key
func (h *ServerHandler) DeleteObjectHandler(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		utils.RespondWithError(w, http.StatusBadRequest, "Invalid object path", "Object key is required")
		return
	}

	if !h.uploader.DeleteFile(r.Context(), key) {
		utils.RespondWithError(w, http.StatusBadGateway, "Delete failed", "Object "+key+" could not be deleted")
		return
	}
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{"deleted": true, "key": key})
}

// LogoutHandler drops the persisted credential and cached profile
func (h *ServerHandler) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if err := h.session.Logout(ctx); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Msg("Failed to clear session")
		utils.RespondWithError(w, http.StatusInternalServerError, "Logout failed", err.Error())
		return
	}
	zerolog.Ctx(ctx).Info().Msg("Session cleared")
	utils.RespondWithJSON(w, http.StatusOK, map[string]string{"message": "Logged out"})
}

// SessionStatusHandler reports whether the held credential is still accepted
func (h *ServerHandler) SessionStatusHandler(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]bool{
		"authenticated": h.status.CheckStatus(r.Context()),
	})
}

// HealthCheckHandler provides a simple health check endpoint
func (h *ServerHandler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	utils.RespondWithJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"storageInitialized": h.uploader.IsInitialized(),
		"time":               time.Now().Format(time.RFC3339),
	})
}

// cleanPrefix normalizes a caller-supplied key prefix, rejecting absolute
// paths and parent references.
func cleanPrefix(raw, fallback string) (string, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, true
	}
	if strings.HasPrefix(raw, "/") || strings.Contains(raw, "\\") {
		return "", false
	}
	for _, seg := range strings.Split(raw, "/") {
		if seg == ".." {
			return "", false
		}
	}
	cleaned := path.Clean(raw)
	if cleaned == "." {
		return fallback, true
	}
	return cleaned, true
}
