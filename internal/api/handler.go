package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/aleksmv/tradehall/internal/listing"
	"github.com/aleksmv/tradehall/internal/settlement"
	"github.com/aleksmv/tradehall/pkg/auth"
)

const (
	defaultPageLimit = 20
	maxPageLimit     = 100
)

// Engine is the settlement surface the API exposes.
type Engine interface {
	Open(ctx context.Context, cmd settlement.OpenCommand) (*listing.Listing, error)
	PlaceBid(ctx context.Context, cmd settlement.PlaceBidCommand) (*settlement.Bid, error)
	Close(ctx context.Context, listingID uuid.UUID) (*settlement.SettlementResult, error)
	GetListing(ctx context.Context, listingID uuid.UUID) (*listing.View, error)
	ListActive(ctx context.Context, limit, offset int) ([]*listing.View, error)
	GetBidHistory(ctx context.Context, listingID uuid.UUID) ([]*settlement.Bid, error)
}

// ViewCache is the optional read-side cache for listing views.
type ViewCache interface {
	Get(ctx context.Context, key string) (*listing.View, error)
	Set(ctx context.Context, key string, view *listing.View) error
	GetList(ctx context.Context, key string) ([]*listing.View, error)
	SetList(ctx context.Context, key string, views []*listing.View) error
}

// Handler serves the marketplace JSON API.
type Handler struct {
	engine Engine
	cache  ViewCache
	logger *slog.Logger
}

// NewHandler creates a new API handler. cache may be nil, in which
// case every read goes to the database.
func NewHandler(engine Engine, viewCache ViewCache, logger *slog.Logger) *Handler {
	return &Handler{
		engine: engine,
		cache:  viewCache,
		logger: logger,
	}
}

// NewRouter wires the handler's routes. Mutating routes require a
// valid session token; reads are public.
func NewRouter(h *Handler, verifier *auth.Verifier) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	r.HandleFunc("/v1/listings", h.ListActive).Methods(http.MethodGet)
	r.HandleFunc("/v1/listings/{id}", h.GetListing).Methods(http.MethodGet)
	r.HandleFunc("/v1/listings/{id}/bids", h.GetBidHistory).Methods(http.MethodGet)

	protected := r.NewRoute().Subrouter()
	protected.Use(auth.Middleware(verifier))
	protected.HandleFunc("/v1/listings", h.OpenListing).Methods(http.MethodPost)
	protected.HandleFunc("/v1/listings/{id}/bids", h.PlaceBid).Methods(http.MethodPost)
	protected.HandleFunc("/v1/listings/{id}/close", h.CloseListing).Methods(http.MethodPost)

	return r
}

type openListingRequest struct {
	Kind            listing.Kind `json:"kind"`
	SubjectID       uuid.UUID    `json:"subject_id"`
	StartPrice      int64        `json:"start_price"`
	DurationSeconds int64        `json:"duration_seconds"`
}

type placeBidRequest struct {
	Amount int64 `json:"amount"`
}

type settlementResponse struct {
	ListingID uuid.UUID      `json:"listing_id"`
	Status    listing.Status `json:"status"`
	WinnerID  *uuid.UUID     `json:"winner_id,omitempty"`
	SalePrice int64          `json:"sale_price"`
	ClosedAt  time.Time      `json:"closed_at"`
	Note      string         `json:"note,omitempty"`
}

// OpenListing handles POST /v1/listings.
func (h *Handler) OpenListing(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var req openListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lst, err := h.engine.Open(r.Context(), settlement.OpenCommand{
		SellerID:   userID,
		Kind:       req.Kind,
		SubjectID:  req.SubjectID,
		StartPrice: req.StartPrice,
		Duration:   time.Duration(req.DurationSeconds) * time.Second,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, lst)
}

// PlaceBid handles POST /v1/listings/{id}/bids.
func (h *Handler) PlaceBid(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.GetUserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	listingID, err := parseListingID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	var req placeBidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	bid, err := h.engine.PlaceBid(r.Context(), settlement.PlaceBidCommand{
		ListingID: listingID,
		BidderID:  userID,
		Amount:    req.Amount,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, bid)
}

// CloseListing handles POST /v1/listings/{id}/close. Manual closes are
// an operator action; the sweeper covers the normal path.
func (h *Handler) CloseListing(w http.ResponseWriter, r *http.Request) {
	role, _ := auth.GetRole(r.Context())
	if role != auth.RoleAdmin {
		writeError(w, http.StatusForbidden, "admin role required")
		return
	}

	listingID, err := parseListingID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	result, err := h.engine.Close(r.Context(), listingID)
	if err != nil && !errors.Is(err, settlement.ErrInsufficientFunds) {
		h.writeDomainError(w, err)
		return
	}

	// An insufficient-funds settlement still cancels the listing; the
	// caller sees the terminal result either way.
	writeJSON(w, http.StatusOK, settlementResponse{
		ListingID: result.ListingID,
		Status:    result.Status,
		WinnerID:  result.WinnerID,
		SalePrice: result.SalePrice,
		ClosedAt:  result.ClosedAt,
		Note:      result.Note,
	})
}

// GetListing handles GET /v1/listings/{id}, read-through cached.
func (h *Handler) GetListing(w http.ResponseWriter, r *http.Request) {
	listingID, err := parseListingID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	key := settlement.ListingCacheKey(listingID)
	if h.cache != nil {
		if view, cacheErr := h.cache.Get(r.Context(), key); cacheErr == nil && view != nil {
			writeJSON(w, http.StatusOK, view)
			return
		} else if cacheErr != nil {
			h.logger.Warn("listing cache read failed", "key", key, "error", cacheErr)
		}
	}

	view, err := h.engine.GetListing(r.Context(), listingID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	if h.cache != nil {
		if cacheErr := h.cache.Set(r.Context(), key, view); cacheErr != nil {
			h.logger.Warn("listing cache write failed", "key", key, "error", cacheErr)
		}
	}

	writeJSON(w, http.StatusOK, view)
}

// ListActive handles GET /v1/listings. Only the default first page is
// cached; it is the page the settlement engine invalidates.
func (h *Handler) ListActive(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r)

	cacheable := h.cache != nil && limit == defaultPageLimit && offset == 0
	if cacheable {
		if views, cacheErr := h.cache.GetList(r.Context(), settlement.ActiveViewCacheKey); cacheErr == nil && views != nil {
			writeJSON(w, http.StatusOK, views)
			return
		} else if cacheErr != nil {
			h.logger.Warn("active page cache read failed", "error", cacheErr)
		}
	}

	views, err := h.engine.ListActive(r.Context(), limit, offset)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if views == nil {
		views = []*listing.View{}
	}

	if cacheable {
		if cacheErr := h.cache.SetList(r.Context(), settlement.ActiveViewCacheKey, views); cacheErr != nil {
			h.logger.Warn("active page cache write failed", "error", cacheErr)
		}
	}

	writeJSON(w, http.StatusOK, views)
}

// GetBidHistory handles GET /v1/listings/{id}/bids.
func (h *Handler) GetBidHistory(w http.ResponseWriter, r *http.Request) {
	listingID, err := parseListingID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid listing id")
		return
	}

	bids, err := h.engine.GetBidHistory(r.Context(), listingID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if bids == nil {
		bids = []*settlement.Bid{}
	}

	writeJSON(w, http.StatusOK, bids)
}

// writeDomainError maps settlement errors to HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settlement.ErrListingNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, settlement.ErrInvalidDuration),
		errors.Is(err, settlement.ErrInvalidStartPrice),
		errors.Is(err, settlement.ErrInvalidKind),
		errors.Is(err, settlement.ErrInvalidSubject):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, settlement.ErrBidTooLow),
		errors.Is(err, settlement.ErrSelfBid),
		errors.Is(err, settlement.ErrListingNotActive),
		errors.Is(err, settlement.ErrAlreadyEscrowed),
		errors.Is(err, settlement.ErrNotYetExpired):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, settlement.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, settlement.ErrBusy):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func parseListingID(r *http.Request) (uuid.UUID, error) {
	return uuid.Parse(mux.Vars(r)["id"])
}

func parsePagination(r *http.Request) (limit, offset int) {
	limit = defaultPageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = min(n, maxPageLimit)
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
