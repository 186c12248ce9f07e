package catalog

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mwork/mwork-api/internal/pkg/blobstore"
	"github.com/mwork/mwork-api/internal/pkg/errorhandler"
	"github.com/mwork/mwork-api/internal/pkg/response"
	"github.com/mwork/mwork-api/internal/pkg/validator"
)

// Handler adapts the Catalog service to HTTP, per spec.md §6.
type Handler struct {
	service     *Service
	blobs       *blobstore.Store
	uploadToken string
}

// NewHandler creates a catalog handler. uploadToken may be empty, which
// disables the upload auth check.
func NewHandler(service *Service, blobs *blobstore.Store, uploadToken string) *Handler {
	return &Handler{service: service, blobs: blobs, uploadToken: uploadToken}
}

// Routes registers the HTTP surface of spec.md §6.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/list", h.List)
	r.Get("/search", h.Search)
	r.Get("/categories", h.ListCategories)
	r.Get("/categories/{category}", h.RandomByCategory)
	r.Get("/tags", h.ListTags)
	r.Get("/tags/{tag}", h.RandomByTag)
	r.Get("/random", h.Random)
	r.Get("/get/{id}", h.GetImage)
	r.Post("/upload", h.Upload)

	r.Post("/categories", h.AddCategory)
	r.Delete("/categories/{id}", h.DeleteCategoryByID)
	r.Delete("/images/{id}", h.DeleteImage)
	r.Patch("/images/{id}/name", h.UpdateName)
	r.Patch("/images/{id}/category", h.UpdateCategory)
	r.Patch("/images/{id}/tags", h.UpdateTags)
	r.Post("/images/{id}/analyze", h.AnalyzeImage)

	return r
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	tag := r.URL.Query().Get("tag")

	images, err := h.service.List(r.Context(), category, tag)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, images)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	keyword := r.URL.Query().Get("keyword")
	images, err := h.service.Search(r.Context(), keyword)
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, images)
}

func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	categories, err := h.service.ListCategories(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, categories)
}

func (h *Handler) ListTags(w http.ResponseWriter, r *http.Request) {
	tags, err := h.service.ListTags(r.Context())
	if err != nil {
		response.InternalError(w)
		return
	}
	response.OK(w, tags)
}

func (h *Handler) RandomByCategory(w http.ResponseWriter, r *http.Request) {
	category := chi.URLParam(r, "category")
	img, err := h.service.RandomImage(r.Context(), category, "")
	h.serveRandomResult(w, img, err)
}

func (h *Handler) RandomByTag(w http.ResponseWriter, r *http.Request) {
	tag := chi.URLParam(r, "tag")
	img, err := h.service.RandomImage(r.Context(), "", tag)
	h.serveRandomResult(w, img, err)
}

func (h *Handler) Random(w http.ResponseWriter, r *http.Request) {
	img, err := h.service.RandomImage(r.Context(), "", "")
	h.serveRandomResult(w, img, err)
}

func (h *Handler) serveRandomResult(w http.ResponseWriter, img *Image, err error) {
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			response.NotFound(w, "no matching image")
			return
		}
		response.InternalError(w)
		return
	}
	h.streamImage(w, img)
}

func (h *Handler) GetImage(w http.ResponseWriter, r *http.Request) {
	idOrName := chi.URLParam(r, "id")
	img, err := h.service.GetByIDOrName(r.Context(), idOrName)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			response.NotFound(w, "image not found")
			return
		}
		response.InternalError(w)
		return
	}
	h.streamImage(w, img)
}

// streamImage writes the image's raw bytes with its stored Content-Type
// and Content-Length — the bytes on disk are the source of truth, not a
// re-detected format.
func (h *Handler) streamImage(w http.ResponseWriter, img *Image) {
	data, err := h.blobs.Read(img.Path)
	if err != nil {
		response.InternalError(w)
		return
	}
	w.Header().Set("Content-Type", img.MimeType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// Upload handles POST /upload (multipart/form-data). Fields: file
// (required), name, category, tags (JSON-encoded string array),
// aiAnalysis ("true"/"false"). Honors x-upload-token /
// Authorization: Bearer when a non-empty token is configured.
func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.checkUploadToken(r) {
		response.Unauthorized(w, "invalid upload token")
		return
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		response.BadRequest(w, "failed to parse multipart form")
		return
	}

	file, _, err := r.FormFile("file")
	if err != nil {
		response.BadRequest(w, "file field is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		response.BadRequest(w, "failed to read uploaded file")
		return
	}

	opts := IngestOptions{
		Name:     r.FormValue("name"),
		Category: r.FormValue("category"),
		Enrich:   r.FormValue("aiAnalysis") == "true",
	}
	if tagsJSON := r.FormValue("tags"); tagsJSON != "" {
		var tags []string
		if err := json.Unmarshal([]byte(tagsJSON), &tags); err != nil {
			response.BadRequest(w, "tags must be a JSON-encoded string array")
			return
		}
		opts.Tags = tags
	}

	img, err := h.service.IngestFromBytes(r.Context(), opts, data)
	if err != nil {
		h.writeIngestError(w, err)
		return
	}
	response.OK(w, img)
}

func (h *Handler) writeIngestError(w http.ResponseWriter, err error) {
	var dup *DuplicateError
	switch {
	case errors.As(err, &dup):
		writeDuplicateBody(w, dup)
	case errors.Is(err, ErrInvalidFormat):
		response.BadRequest(w, "unrecognized image format")
	case errors.Is(err, ErrImageTypeRejected):
		response.Error(w, http.StatusUnprocessableEntity, "IMAGE_TYPE_REJECTED", "image does not match an accepted type")
	default:
		response.InternalError(w)
	}
}

// writeDuplicateBody writes the literal 409 body shape spec.md's scenario
// 2 describes: {success:false, message:"..."}. This does not go through
// response.Error because that shape nests the message under error.message
// rather than a top-level message field.
func writeDuplicateBody(w http.ResponseWriter, dup *DuplicateError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	body := map[string]interface{}{
		"success": false,
		"message": "表情包已存在: 与现有表情包 " + dup.ExistingName + " 重复",
	}
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) checkUploadToken(r *http.Request) bool {
	if h.uploadToken == "" {
		return true
	}
	if token := r.Header.Get("x-upload-token"); token == h.uploadToken {
		return true
	}
	if auth := r.Header.Get("authorization"); auth == "Bearer "+h.uploadToken {
		return true
	}
	return false
}

func (h *Handler) AddCategory(w http.ResponseWriter, r *http.Request) {
	var req validator.CategoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fieldErrs := validator.Validate(req); fieldErrs != nil {
		errorhandler.LogValidationError(r.Context(), fieldErrs)
		response.ValidationError(w, fieldErrs)
		return
	}
	cat, err := h.service.AddCategory(r.Context(), req.Name, req.Description)
	if err != nil {
		errorhandler.HandleError(r.Context(), w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to create category", err)
		return
	}
	response.Created(w, cat)
}

func (h *Handler) DeleteCategoryByID(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.DeleteCategory(r.Context(), id); err != nil {
		if errors.Is(err, ErrCategoryNotFound) {
			response.NotFound(w, "category not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.NoContent(w)
}

func (h *Handler) DeleteImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrImageNotFound) {
			response.NotFound(w, "image not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.NoContent(w)
}

func (h *Handler) UpdateName(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req validator.NameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fieldErrs := validator.Validate(req); fieldErrs != nil {
		errorhandler.LogValidationError(r.Context(), fieldErrs)
		response.ValidationError(w, fieldErrs)
		return
	}
	img, err := h.service.UpdateName(r.Context(), id, req.Name)
	h.writeMutateResult(w, img, err)
}

func (h *Handler) UpdateCategory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req struct {
		Category string `json:"category"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	img, err := h.service.UpdateCategory(r.Context(), id, req.Category)
	h.writeMutateResult(w, img, err)
}

func (h *Handler) UpdateTags(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req validator.TagsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.BadRequest(w, "invalid JSON body")
		return
	}
	if fieldErrs := validator.Validate(req); fieldErrs != nil {
		errorhandler.LogValidationError(r.Context(), fieldErrs)
		response.ValidationError(w, fieldErrs)
		return
	}
	img, err := h.service.UpdateTags(r.Context(), id, req.Tags)
	h.writeMutateResult(w, img, err)
}

func (h *Handler) AnalyzeImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	img, err := h.service.AnalyzeImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			response.NotFound(w, "image not found")
			return
		}
		if errors.Is(err, ErrVisionUnavailable) {
			response.Error(w, http.StatusServiceUnavailable, "VISION_UNAVAILABLE", "no vision client configured")
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, img)
}

func (h *Handler) writeMutateResult(w http.ResponseWriter, img *Image, err error) {
	if err != nil {
		if errors.Is(err, ErrImageNotFound) {
			response.NotFound(w, "image not found")
			return
		}
		response.InternalError(w)
		return
	}
	response.OK(w, img)
}
