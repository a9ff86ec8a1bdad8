package api

import (
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/tendant/simple-output/pkg/simpleoutput"
)

// multipartMemory is how much of a multipart body is held in memory before
// the rest spills to temporary files.
const multipartMemory = 8 << 20

// Handler serves the upload, output browsing and delivery endpoints
type Handler struct {
	service        simpleoutput.Service
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption configures a Handler
type HandlerOption func(*Handler)

// WithLogger sets the handler logger
func WithLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMaxUploadBytes limits upload request bodies. Zero disables the limit.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handler) {
		h.maxUploadBytes = n
	}
}

func NewHandler(service simpleoutput.Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		service: service,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes returns the router for all endpoints. Every route is served for the
// default root and again below /roots/{root}.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	h.routes(r)
	r.Route("/roots/{root}", h.routes)
	return r
}

func (h *Handler) routes(r chi.Router) {
	upload := r.With()
	if h.maxUploadBytes > 0 {
		upload = r.With(RequestSizeLimitMiddleware(h.maxUploadBytes))
	}
	upload.Post("/upload", h.Upload)

	r.Get("/output-files", h.ListOutput)
	r.Get("/output-files/download-folder", h.DownloadFolder)
	r.Get("/output-files/folder-images", h.FolderImages)
	r.Get("/output-files/*", h.GetOutputFile)

	r.Get("/artifacts", h.ListArtifacts)
	r.Get("/artifacts/{id}", h.GetArtifact)
	r.Post("/artifacts/{id}/convert", h.ConvertArtifact)
}

func rootParam(r *http.Request) string {
	if root := chi.URLParam(r, "root"); root != "" {
		return root
	}
	return simpleoutput.DefaultRoot
}

// UploadResponse is returned after a file has been stored
type UploadResponse struct {
	Message    string `json:"message"`
	FileName   string `json:"file_name"`
	FileSize   int64  `json:"file_size"`
	FilePath   string `json:"file_path"`
	ArtifactID string `json:"artifact_id"`
	StoredName string `json:"stored_name"`
	OutputName string `json:"output_name"`
	Root       string `json:"root"`
	Status     string `json:"status"`
}

// Upload accepts exactly one multipart file in the "file" field
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			h.handleError(w, r, "Upload too large", err)
			return
		}
		writeError(w, r, CodeInvalidRequest, "expected a multipart/form-data body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["file"]
	switch {
	case len(files) == 0:
		writeError(w, r, simpleoutput.CodeEmptyUpload, "no file uploaded")
		return
	case len(files) > 1:
		writeError(w, r, CodeInvalidRequest, "exactly one file must be uploaded")
		return
	}

	root := chi.URLParam(r, "root")
	if root == "" {
		root = r.FormValue("root")
	}

	fh := files[0]
	file, err := fh.Open()
	if err != nil {
		h.handleError(w, r, "Failed to open uploaded file", err)
		return
	}
	defer file.Close()

	result, err := h.service.Upload(r.Context(), simpleoutput.UploadRequest{
		Root:     root,
		FileName: fh.Filename,
		Reader:   file,
	})
	if err != nil {
		h.handleError(w, r, "Failed to store upload", err)
		return
	}

	a := result.Artifact
	render.JSON(w, r, UploadResponse{
		Message:    "File uploaded successfully",
		FileName:   a.StoredName,
		FileSize:   a.Size,
		FilePath:   a.StorageKey,
		ArtifactID: a.ID.String(),
		StoredName: a.StoredName,
		OutputName: a.OutputName,
		Root:       a.Root,
		Status:     string(a.Status),
	})
}

// EntryResponse describes one child of a listed directory
type EntryResponse struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"is_directory"`
	Size        int64  `json:"size"`
	MediaKind   string `json:"media_kind,omitempty"`
}

// ListResponse is returned by GET /output-files
type ListResponse struct {
	Path        string          `json:"path"`
	Entries     []EntryResponse `json:"entries"`
	Directories []string        `json:"directories"`
	Files       []string        `json:"files"`
}

// ListOutput lists the direct children of ?path=
func (h *Handler) ListOutput(w http.ResponseWriter, r *http.Request) {
	p := r.URL.Query().Get("path")
	nodes, err := h.service.List(r.Context(), rootParam(r), p)
	if err != nil {
		h.handleError(w, r, "Failed to list output", err)
		return
	}

	resp := ListResponse{
		Path:        p,
		Entries:     make([]EntryResponse, 0, len(nodes)),
		Directories: []string{},
		Files:       []string{},
	}
	for _, n := range nodes {
		resp.Entries = append(resp.Entries, EntryResponse{
			Name:        n.Name,
			IsDirectory: n.IsDir(),
			Size:        n.Size,
			MediaKind:   string(n.MediaKind),
		})
		if n.IsDir() {
			resp.Directories = append(resp.Directories, n.Name)
		} else {
			resp.Files = append(resp.Files, n.Name)
		}
	}
	render.JSON(w, r, resp)
}

// GetOutputFile streams one output file. Range and conditional requests are
// handled by http.ServeContent.
func (h *Handler) GetOutputFile(w http.ResponseWriter, r *http.Request) {
	p := chi.URLParam(r, "*")
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(p)
		if err != nil {
			writeError(w, r, CodeInvalidRequest, "malformed path")
			return
		}
		p = unescaped
	}

	fr, err := h.service.OpenFile(r.Context(), rootParam(r), p)
	if err != nil {
		h.handleError(w, r, "Failed to open output file", err)
		return
	}
	defer fr.Close()

	w.Header().Set("Content-Type", fr.ContentType)
	http.ServeContent(w, r, fr.Node.Name, fr.Node.ModTime, fr)
}

// DownloadFolder streams ?folder= as a zip archive
func (h *Handler) DownloadFolder(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		writeError(w, r, CodeMissingParameter, "folder parameter is required")
		return
	}

	archive, err := h.service.OpenFolderArchive(r.Context(), rootParam(r), folder)
	if err != nil {
		h.handleError(w, r, "Failed to open folder", err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": archive.Name}))
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	if err := archive.Write(r.Context(), w); err != nil {
		h.logger.ErrorContext(r.Context(), "Folder archive aborted", "folder", folder, "err", err)
		// The status line is already out; abort so the client sees a broken
		// transfer instead of a truncated archive.
		panic(http.ErrAbortHandler)
	}
	h.logger.DebugContext(r.Context(), "Folder archive sent", "folder", folder, "duration", time.Since(start))
}

// FolderImages returns the URLs of all images below ?folder=
func (h *Handler) FolderImages(w http.ResponseWriter, r *http.Request) {
	folder := r.URL.Query().Get("folder")
	if folder == "" {
		writeError(w, r, CodeMissingParameter, "folder parameter is required")
		return
	}

	urls, err := h.service.FolderImages(r.Context(), rootParam(r), folder)
	if err != nil {
		h.handleError(w, r, "Failed to collect folder images", err)
		return
	}
	render.JSON(w, r, urls)
}

// ListArtifacts returns the artifacts of the root with their status
func (h *Handler) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := h.service.ListArtifacts(r.Context(), rootParam(r))
	if err != nil {
		h.handleError(w, r, "Failed to list artifacts", err)
		return
	}
	if artifacts == nil {
		artifacts = []*simpleoutput.Artifact{}
	}
	render.JSON(w, r, artifacts)
}

// artifact loads {id} and checks that it belongs to the addressed root
func (h *Handler) artifact(w http.ResponseWriter, r *http.Request) (*simpleoutput.Artifact, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, CodeInvalidRequest, "invalid artifact id")
		return nil, false
	}
	a, err := h.service.GetArtifact(r.Context(), id)
	if err == nil && a.Root != rootParam(r) {
		err = simpleoutput.ErrArtifactNotFound
	}
	if err != nil {
		h.handleError(w, r, "Failed to get artifact", err)
		return nil, false
	}
	return a, true
}

// GetArtifact returns one artifact, including a failed conversion's error
func (h *Handler) GetArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.artifact(w, r)
	if !ok {
		return
	}
	render.JSON(w, r, a)
}

// ConvertArtifact queues a stored artifact for conversion. Artifacts in any
// other state are rejected; conversion happens at most once.
func (h *Handler) ConvertArtifact(w http.ResponseWriter, r *http.Request) {
	a, ok := h.artifact(w, r)
	if !ok {
		return
	}
	if a.Status != simpleoutput.ArtifactStatusStored {
		writeError(w, r, CodeInvalidTransition, "artifact is "+string(a.Status))
		return
	}
	if err := h.service.Submit(r.Context(), a.ID); err != nil {
		h.handleError(w, r, "Failed to queue conversion", err)
		return
	}
	render.Status(r, http.StatusAccepted)
	render.JSON(w, r, a)
}
