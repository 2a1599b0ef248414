package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/robertpelloni/picard/internal/catalog"
	"github.com/robertpelloni/picard/internal/engine"
	"github.com/robertpelloni/picard/internal/logctx"
	"github.com/robertpelloni/picard/internal/protocol"
)

// DestinationResolver turns an opaque destination descriptor from the wire
// into the host's attachment handle. The engine never looks inside either.
type DestinationResolver interface {
	Resolve(descriptor string) (engine.Destination, error)
}

// Handler exposes the engine and the discography paginator to callers.
type Handler struct {
	username  string
	password  string
	eng       *engine.Engine
	paginator *catalog.Paginator
	catalog   *catalog.Client
	resolver  DestinationResolver
}

// NewHandler creates a new caller-facing API handler. resolver may be nil
// when the host registers no destinations; downloads then skip matching.
func NewHandler(username, password string, eng *engine.Engine, paginator *catalog.Paginator, cat *catalog.Client, resolver DestinationResolver) *Handler {
	return &Handler{
		username:  username,
		password:  password,
		eng:       eng,
		paginator: paginator,
		catalog:   cat,
		resolver:  resolver,
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.basicAuthMiddleware)

	r.Post("/searches", h.handleStartSearch)
	r.Get("/searches/{sessionID}/results", h.handleSearchResults)
	r.Delete("/searches/{sessionID}", h.handleEndSearch)

	r.Post("/downloads", h.handleRequestDownload)
	r.Post("/downloads/folder", h.handleRequestFolderDownload)

	r.Get("/transfers", h.handleListTransfers)
	r.Get("/transfers/{transferID}", h.handleGetTransfer)
	r.Post("/transfers/{transferID}/cancel", h.handleCancel)

	r.Get("/discography/{artistID}", h.handleDiscography)
	r.Get("/discography", h.handleDiscographyByName)
	r.Get("/release-groups/{releaseGroupID}/bandcamp", h.handleBandcampURL)

	return r
}

func (h *Handler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.username == "" {
			next.ServeHTTP(w, r)

			return
		}

		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

type startSearchRequest struct {
	Query string `json:"query"`
}

type startSearchResponse struct {
	SessionID string `json:"session_id"`
}

func (h *Handler) handleStartSearch(w http.ResponseWriter, r *http.Request) {
	var req startSearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	sessionID, err := h.eng.StartSearch(r.Context(), req.Query)
	if err != nil {
		writeEngineError(r.Context(), w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, startSearchResponse{SessionID: sessionID})
}

type searchResultDTO struct {
	Peer        string `json:"peer"`
	FilePath    string `json:"file_path"`
	SizeBytes   int64  `json:"size_bytes"`
	BitrateKbps int    `json:"bitrate_kbps,omitempty"`
	Lossless    bool   `json:"lossless"`
	QueueLength int    `json:"queue_length"`
	UploadSpeed int64  `json:"upload_speed"`
	Quality     string `json:"quality"`
}

type searchResultsResponse struct {
	SessionID string            `json:"session_id"`
	Query     string            `json:"query"`
	Results   []searchResultDTO `json:"results"`
}

func (h *Handler) handleSearchResults(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	session, ok := h.eng.Session(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown session")

		return
	}

	sorted := session.Sorted(engine.SortKey(r.URL.Query().Get("sort")))

	resp := searchResultsResponse{
		SessionID: sessionID,
		Query:     session.Query,
		Results:   make([]searchResultDTO, 0, len(sorted)),
	}

	for _, res := range sorted {
		resp.Results = append(resp.Results, toSearchResultDTO(res))
	}

	writeJSON(w, http.StatusOK, resp)
}

func toSearchResultDTO(res protocol.SearchResult) searchResultDTO {
	return searchResultDTO{
		Peer:        res.Peer,
		FilePath:    res.FilePath,
		SizeBytes:   res.SizeBytes,
		BitrateKbps: res.BitrateKbps,
		Lossless:    res.Lossless,
		QueueLength: res.QueueLength,
		UploadSpeed: res.UploadSpeed,
		Quality:     string(engine.QualityOf(res)),
	}
}

func (h *Handler) handleEndSearch(w http.ResponseWriter, r *http.Request) {
	h.eng.EndSearch(chi.URLParam(r, "sessionID"))
	w.WriteHeader(http.StatusNoContent)
}

type downloadRequest struct {
	SessionID   string `json:"session_id"`
	Peer        string `json:"peer"`
	RemotePath  string `json:"remote_path"`
	SizeBytes   int64  `json:"size_bytes"`
	Destination string `json:"destination,omitempty"`
}

type downloadResponse struct {
	TransferID string `json:"transfer_id"`
}

func (h *Handler) handleRequestDownload(w http.ResponseWriter, r *http.Request) {
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	dest, err := h.resolveDestination(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	transferID, err := h.eng.RequestDownload(r.Context(), req.SessionID, req.Peer, req.RemotePath, req.SizeBytes, dest)
	if err != nil {
		writeEngineError(r.Context(), w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, downloadResponse{TransferID: transferID})
}

type folderDownloadRequest struct {
	SessionID   string              `json:"session_id"`
	Peer        string              `json:"peer"`
	Files       []engine.FolderFile `json:"files"`
	Destination string              `json:"destination,omitempty"`
}

type folderDownloadResponse struct {
	GroupID string `json:"group_id"`
}

func (h *Handler) handleRequestFolderDownload(w http.ResponseWriter, r *http.Request) {
	var req folderDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")

		return
	}

	dest, err := h.resolveDestination(req.Destination)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())

		return
	}

	groupID, err := h.eng.RequestFolderDownload(r.Context(), req.SessionID, req.Peer, req.Files, dest)
	if err != nil {
		writeEngineError(r.Context(), w, err)

		return
	}

	writeJSON(w, http.StatusAccepted, folderDownloadResponse{GroupID: groupID})
}

func (h *Handler) resolveDestination(descriptor string) (engine.Destination, error) {
	if descriptor == "" || h.resolver == nil {
		return nil, nil
	}

	return h.resolver.Resolve(descriptor)
}

type transfersResponse struct {
	Transfers []engine.Transfer `json:"transfers"`
}

// handleListTransfers feeds the global queue view. It is deliberately
// session-independent: the registry outlives subscriptions, so transfers
// from closed sessions stay visible.
func (h *Handler) handleListTransfers(w http.ResponseWriter, r *http.Request) {
	var transfers []engine.Transfer

	if sessionID := r.URL.Query().Get("session"); sessionID != "" {
		transfers = h.eng.Registry().ListBySession(sessionID)
	} else {
		transfers = h.eng.Registry().ListAll()
	}

	if transfers == nil {
		transfers = []engine.Transfer{}
	}

	writeJSON(w, http.StatusOK, transfersResponse{Transfers: transfers})
}

func (h *Handler) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	t, ok := h.eng.Registry().Get(chi.URLParam(r, "transferID"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown transfer")

		return
	}

	writeJSON(w, http.StatusOK, t)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	err := h.eng.Cancel(r.Context(), chi.URLParam(r, "transferID"))
	if err != nil {
		writeEngineError(r.Context(), w, err)

		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (h *Handler) handleDiscography(w http.ResponseWriter, r *http.Request) {
	result, err := h.paginator.FetchAll(r.Context(), chi.URLParam(r, "artistID"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleDiscographyByName(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("artist")
	if name == "" {
		writeError(w, http.StatusBadRequest, "artist query parameter is required")

		return
	}

	artistID, err := h.catalog.SearchArtist(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	result, err := h.paginator.FetchAll(r.Context(), artistID)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, result)
}

type bandcampResponse struct {
	URL string `json:"url"`
}

func (h *Handler) handleBandcampURL(w http.ResponseWriter, r *http.Request) {
	bcURL, err := h.catalog.BandcampURL(r.Context(),
		chi.URLParam(r, "releaseGroupID"),
		r.URL.Query().Get("artist"),
		r.URL.Query().Get("title"))
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())

		return
	}

	writeJSON(w, http.StatusOK, bandcampResponse{URL: bcURL})
}

func writeEngineError(ctx context.Context, w http.ResponseWriter, err error) {
	var validation *engine.ValidationError

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, validation.Error())
	case errors.Is(err, engine.ErrUnknownTransfer):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, engine.ErrRejecting), errors.Is(err, protocol.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		logctx.LoggerFromContext(ctx).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
