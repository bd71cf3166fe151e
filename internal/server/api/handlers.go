package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"stash/internal/server/database"
	"stash/internal/server/service"

	"github.com/labstack/echo/v4"
)

// Handler contains the HTTP handlers for the stash API.
type Handler struct {
	svc *service.UploadService
	db  *database.DB
}

// NewHandler creates a new handler with the given service dependency.
func NewHandler(svc *service.UploadService, db *database.DB) *Handler {
	return &Handler{svc: svc, db: db}
}

// HandleUpload handles POST /api/files.
// Accepts a multipart form with a "file" field; the part's Content-Type is
// the declared media type.
func (h *Handler) HandleUpload(c echo.Context) error {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{
			"error": "no file provided (use form field 'file')",
		})
	}

	src, err := fileHeader.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{
			"error": "failed to read uploaded file",
		})
	}
	defer src.Close()

	result, err := h.svc.ProcessUpload(
		c.Request().Context(),
		fileHeader.Filename,
		fileHeader.Header.Get("Content-Type"),
		fileHeader.Size,
		src,
	)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusCreated, result)
}

// HandleListFiles handles GET /api/files.
// Supports file_type, min_size, max_size, upload_date (YYYY-MM-DD), search,
// ordering, limit and offset query parameters.
func (h *Handler) HandleListFiles(c echo.Context) error {
	filter, err := parseFileFilter(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}

	files, err := h.svc.ListFiles(c.Request().Context(), filter)
	if err != nil {
		return mapServiceError(c, err)
	}
	if files == nil {
		files = []service.FileInfo{}
	}

	return c.JSON(http.StatusOK, files)
}

// HandleGetFile handles GET /api/files/:id.
func (h *Handler) HandleGetFile(c echo.Context) error {
	info, err := h.svc.GetFile(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, info)
}

// HandleDownload handles GET /api/files/:id/download.
// Serves the blob as an attachment under the original filename.
func (h *Handler) HandleDownload(c echo.Context) error {
	filePath, filename, err := h.svc.Download(c.Request().Context(), c.Param("id"))
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.Attachment(filePath, filename)
}

// HandleDeleteFile handles DELETE /api/files/:id.
func (h *Handler) HandleDeleteFile(c echo.Context) error {
	if err := h.svc.DeleteFile(c.Request().Context(), c.Param("id")); err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"message": "file deleted successfully"})
}

// HandleListSavings handles GET /api/storage-savings.
func (h *Handler) HandleListSavings(c echo.Context) error {
	entries, err := h.svc.ListSavings(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	if entries == nil {
		entries = []*database.SavingsEntry{}
	}
	return c.JSON(http.StatusOK, entries)
}

// HandleTotalSavings handles GET /api/storage-savings/total.
// Both totals are zero when the ledger is empty.
func (h *Handler) HandleTotalSavings(c echo.Context) error {
	totals, err := h.svc.TotalSavings(c.Request().Context())
	if err != nil {
		return mapServiceError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{
		"total_savings":            totals.TotalSavings,
		"total_deduplicated_files": totals.TotalDeduplicatedFiles,
	})
}

// HandleHealth handles GET /health.
// Returns the health status of the server, including database connectivity.
func (h *Handler) HandleHealth(c echo.Context) error {
	status := "healthy"
	dbStatus := "connected"

	if err := h.db.HealthCheck(c.Request().Context()); err != nil {
		status = "degraded"
		dbStatus = fmt.Sprintf("error: %v", err)
	}

	return c.JSON(http.StatusOK, echo.Map{
		"status":   status,
		"database": dbStatus,
	})
}

// parseFileFilter reads the listing query parameters, rejecting malformed
// values rather than silently ignoring them.
func parseFileFilter(c echo.Context) (database.FileFilter, error) {
	filter := database.FileFilter{
		FileType: c.QueryParam("file_type"),
		Search:   c.QueryParam("search"),
	}

	if v := c.QueryParam("min_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid min_size %q", v)
		}
		filter.MinSize = &n
	}
	if v := c.QueryParam("max_size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid max_size %q", v)
		}
		filter.MaxSize = &n
	}
	if v := c.QueryParam("upload_date"); v != "" {
		d, err := time.Parse("2006-01-02", v)
		if err != nil {
			return filter, fmt.Errorf("invalid upload_date %q (want YYYY-MM-DD)", v)
		}
		filter.UploadDate = &d
	}
	if v := c.QueryParam("ordering"); v != "" {
		switch v {
		case "uploaded_at", "-uploaded_at", "size", "-size":
			filter.Ordering = v
		default:
			return filter, fmt.Errorf("invalid ordering %q", v)
		}
	}
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset %q", v)
		}
		filter.Offset = n
	}

	return filter, nil
}

// mapServiceError translates service-layer errors into appropriate HTTP responses.
func mapServiceError(c echo.Context, err error) error {
	switch {
	case errors.Is(err, service.ErrNotFound):
		return c.JSON(http.StatusNotFound, echo.Map{"error": "file not found"})
	case errors.Is(err, service.ErrNoFile),
		errors.Is(err, service.ErrUnsupportedFileType),
		errors.Is(err, service.ErrInvalidSize),
		errors.Is(err, service.ErrSizeMismatch):
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	case errors.Is(err, service.ErrFileTooLarge):
		return c.JSON(http.StatusRequestEntityTooLarge, echo.Map{
			"error": "file exceeds maximum allowed size",
		})
	default:
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal server error"})
	}
}
