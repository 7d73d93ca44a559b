// Package handler exposes the issuance service over HTTP.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"certmint/internal/issuance/adapters/signer"
	"certmint/internal/issuance/models"
	"certmint/internal/issuance/service"
	id "certmint/pkg/domain"
	dErrors "certmint/pkg/domain-errors"
	audit "certmint/pkg/platform/audit"
	"certmint/pkg/platform/httputil"
	"certmint/pkg/requestcontext"
)

const (
	DefaultMaxImageBytes int64 = 10 << 20

	// Room for the text fields and multipart framing around the image.
	multipartOverhead int64 = 64 << 10
	multipartMemory   int64 = 8 << 20
)

// Service is the issuance service as seen by the transport.
type Service interface {
	Start(ctx context.Context, cmd service.IssueCommand) (*models.AttemptRecord, error)
	Get(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error)
	ListByCourse(ctx context.Context, courseID string) ([]*models.AttemptRecord, error)
	Cancel(ctx context.Context, attemptID id.AttemptID) (*models.AttemptRecord, error)
	Reconcile(ctx context.Context, courseID string, collectionID models.CollectionID) (*models.AttemptRecord, error)
}

// SigningRequests is the interactive signer. It is nil when the server signs
// with its own key.
type SigningRequests interface {
	Pending(attemptID id.AttemptID) (signer.SigningRequest, error)
	List() []signer.SigningRequest
	Approve(ctx context.Context, attemptID id.AttemptID, signed []byte) error
	Reject(ctx context.Context, attemptID id.AttemptID, reason string) error
}

// AuditTrail reads back recorded audit events for operators.
type AuditTrail interface {
	Trail(ctx context.Context, courseID id.CourseID, attemptID id.AttemptID) ([]audit.Event, error)
}

type Handler struct {
	service       Service
	signing       SigningRequests
	audit         AuditTrail
	logger        *slog.Logger
	maxImageBytes int64
}

type Option func(*Handler)

func WithSigningRequests(s SigningRequests) Option {
	return func(h *Handler) {
		h.signing = s
	}
}

func WithAuditTrail(a AuditTrail) Option {
	return func(h *Handler) {
		h.audit = a
	}
}

func WithMaxImageBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxImageBytes = n
		}
	}
}

// New constructs an issuance handler.
func New(svc Service, logger *slog.Logger, opts ...Option) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		service:       svc,
		logger:        logger,
		maxImageBytes: DefaultMaxImageBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register mounts the public issuance endpoints.
func (h *Handler) Register(r chi.Router) {
	r.Post("/courses/{courseID}/certificate-collection", h.HandleStart)
	r.Get("/courses/{courseID}/issuances", h.HandleListByCourse)
	r.Get("/issuances/{attemptID}", h.HandleGet)
	r.Post("/issuances/{attemptID}/cancel", h.HandleCancel)
	r.Get("/signing-requests", h.HandleListSigningRequests)
	r.Get("/issuances/{attemptID}/signing-request", h.HandleSigningRequest)
	r.Post("/issuances/{attemptID}/signature", h.HandleSignature)
	r.Post("/issuances/{attemptID}/reject", h.HandleReject)
}

// RegisterAdmin mounts operator endpoints. The caller guards them.
func (h *Handler) RegisterAdmin(r chi.Router) {
	r.Post("/admin/courses/{courseID}/reconcile", h.HandleReconcile)
	r.Get("/admin/courses/{courseID}/audit", h.HandleAuditTrail)
}

// HandleStart handles POST /courses/{courseID}/certificate-collection.
func (h *Handler) HandleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	courseID := chi.URLParam(r, "courseID")

	defer func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}()
	image, err := h.readImage(w, r)
	if err != nil {
		h.logger.WarnContext(ctx, "rejected certificate upload",
			"request_id", requestID,
			"course_id", courseID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}

	record, err := h.service.Start(ctx, service.IssueCommand{
		CourseID:      courseID,
		Image:         image,
		Title:         r.FormValue("title"),
		Description:   r.FormValue("description"),
		OwnerIdentity: r.FormValue("owner"),
	})
	if err != nil {
		h.logFailure(ctx, "failed to start issuance", requestID, err, "course_id", courseID)
		httputil.WriteError(w, err)
		return
	}

	h.logger.InfoContext(ctx, "issuance accepted",
		"request_id", requestID,
		"course_id", record.CourseID.String(),
		"attempt_id", record.ID.String(),
	)
	w.Header().Set("Location", "/issuances/"+record.ID.String())
	httputil.WriteJSON(w, http.StatusAccepted, FromRecord(record))
}

func (h *Handler) readImage(w http.ResponseWriter, r *http.Request) (models.Image, error) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImageBytes+multipartOverhead)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return models.Image{}, h.tooLarge()
		}
		return models.Image{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "request must be multipart/form-data")
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		return models.Image{}, dErrors.New(dErrors.CodeValidation, "image is required")
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxImageBytes+1))
	if err != nil {
		return models.Image{}, dErrors.Wrap(err, dErrors.CodeBadRequest, "failed to read image")
	}
	if int64(len(data)) > h.maxImageBytes {
		return models.Image{}, h.tooLarge()
	}
	if len(data) == 0 {
		return models.Image{}, dErrors.New(dErrors.CodeValidation, "image is required")
	}

	mediaType := strings.TrimSpace(header.Header.Get("Content-Type"))
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return models.Image{}, dErrors.New(dErrors.CodeValidation, "image must be an image file")
	}
	return models.Image{Data: data, MediaType: mediaType}, nil
}

func (h *Handler) tooLarge() error {
	return dErrors.New(dErrors.CodeTooLarge, fmt.Sprintf("image must be at most %d bytes", h.maxImageBytes))
}

// HandleGet handles GET /issuances/{attemptID}.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := parseAttemptID(w, r)
	if !ok {
		return
	}
	record, err := h.service.Get(r.Context(), attemptID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleListByCourse handles GET /courses/{courseID}/issuances.
func (h *Handler) HandleListByCourse(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	records, err := h.service.ListByCourse(r.Context(), courseID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromRecords(courseID, records))
}

// HandleCancel handles POST /issuances/{attemptID}/cancel.
func (h *Handler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	attemptID, ok := parseAttemptID(w, r)
	if !ok {
		return
	}
	record, err := h.service.Cancel(ctx, attemptID)
	if err != nil {
		h.logFailure(ctx, "failed to cancel issuance", requestID, err, "attempt_id", attemptID.String())
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "issuance cancelled",
		"request_id", requestID,
		"attempt_id", attemptID.String(),
	)
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleListSigningRequests handles GET /signing-requests: every transaction
// still waiting for a wallet.
func (h *Handler) HandleListSigningRequests(w http.ResponseWriter, _ *http.Request) {
	if h.signing == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "interactive signing is not enabled"))
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSigningRequests(h.signing.List()))
}

// HandleSigningRequest handles GET /issuances/{attemptID}/signing-request.
func (h *Handler) HandleSigningRequest(w http.ResponseWriter, r *http.Request) {
	attemptID, ok := h.signingAttempt(w, r)
	if !ok {
		return
	}
	req, err := h.signing.Pending(attemptID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromSigningRequest(req))
}

// HandleSignature handles POST /issuances/{attemptID}/signature.
func (h *Handler) HandleSignature(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	attemptID, ok := h.signingAttempt(w, r)
	if !ok {
		return
	}
	req, ok := httputil.DecodeAndPrepare[SignatureRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	if err := h.signing.Approve(ctx, attemptID, req.Signed()); err != nil {
		h.logFailure(ctx, "signature not accepted", requestID, err, "attempt_id", attemptID.String())
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"attempt_id": attemptID.String(),
		"status":     "signed",
	})
}

// HandleReject handles POST /issuances/{attemptID}/reject. The body is
// optional.
func (h *Handler) HandleReject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	attemptID, ok := h.signingAttempt(w, r)
	if !ok {
		return
	}
	reason := ""
	if r.ContentLength > 0 {
		req, ok := httputil.DecodeAndPrepare[RejectRequest](w, r, h.logger, ctx, requestID)
		if !ok {
			return
		}
		reason = req.Reason
	}
	if err := h.signing.Reject(ctx, attemptID, reason); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, map[string]string{
		"attempt_id": attemptID.String(),
		"status":     "rejected",
	})
}

// HandleReconcile handles POST /admin/courses/{courseID}/reconcile.
func (h *Handler) HandleReconcile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)
	courseID := chi.URLParam(r, "courseID")

	req, ok := httputil.DecodeAndPrepare[ReconcileRequest](w, r, h.logger, ctx, requestID)
	if !ok {
		return
	}
	record, err := h.service.Reconcile(ctx, courseID, req.Parsed())
	if err != nil {
		h.logFailure(ctx, "failed to reconcile course", requestID, err, "course_id", courseID)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "course reconciled",
		"request_id", requestID,
		"course_id", courseID,
		"attempt_id", record.ID.String(),
		"outcome", string(record.Outcome),
	)
	httputil.WriteJSON(w, http.StatusOK, FromRecord(record))
}

// HandleAuditTrail handles GET /admin/courses/{courseID}/audit. The optional
// attempt_id query parameter narrows the trail to one attempt.
func (h *Handler) HandleAuditTrail(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := requestcontext.RequestID(ctx)

	if h.audit == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "audit trail is not enabled"))
		return
	}
	courseID, err := id.ParseCourseID(chi.URLParam(r, "courseID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var attemptID id.AttemptID
	if raw := r.URL.Query().Get("attempt_id"); raw != "" {
		if attemptID, err = id.ParseAttemptID(raw); err != nil {
			httputil.WriteError(w, err)
			return
		}
	}

	events, err := h.audit.Trail(ctx, courseID, attemptID)
	if err != nil {
		h.logFailure(ctx, "failed to read audit trail", requestID, err, "course_id", courseID.String())
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, FromAuditEvents(courseID.String(), events))
}

func (h *Handler) signingAttempt(w http.ResponseWriter, r *http.Request) (id.AttemptID, bool) {
	if h.signing == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeNotFound, "interactive signing is not enabled"))
		return id.AttemptID{}, false
	}
	return parseAttemptID(w, r)
}

func parseAttemptID(w http.ResponseWriter, r *http.Request) (id.AttemptID, bool) {
	attemptID, err := id.ParseAttemptID(chi.URLParam(r, "attemptID"))
	if err != nil {
		httputil.WriteError(w, err)
		return id.AttemptID{}, false
	}
	return attemptID, true
}

// logFailure logs client errors at Warn and everything else at Error.
func (h *Handler) logFailure(ctx context.Context, msg, requestID string, err error, attrs ...any) {
	attrs = append([]any{"request_id", requestID, "error", err}, attrs...)
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, msg, attrs...)
		return
	}
	h.logger.WarnContext(ctx, msg, attrs...)
}
