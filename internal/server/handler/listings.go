package handler

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/p2pmarket/internal/domain"
	"github.com/alanyoungcy/p2pmarket/internal/service"
)

// ListingReader is the read side the listing handler needs.
type ListingReader interface {
	GetListing(ctx context.Context, listingID int64) (domain.MergedListing, error)
	ListActive(ctx context.Context, filter domain.ListingFilter) ([]domain.MergedListing, error)
}

// ListingWriter is the write side the listing handler needs.
type ListingWriter interface {
	CreateListing(ctx context.Context, req service.CreateListingRequest) (service.WriteResult, error)
	CreateBuyOrder(ctx context.Context, req service.CreateBuyOrderRequest) (service.WriteResult, error)
	UpdatePrice(ctx context.Context, listingID int64, newPrice decimal.Decimal, requester string) (service.WriteResult, error)
	Purchase(ctx context.Context, listingID int64, buyer string) (service.WriteResult, error)
	ConfirmDelivery(ctx context.Context, listingID int64, requester string) (service.WriteResult, error)
	ClaimPayment(ctx context.Context, listingID int64, requester string) (service.WriteResult, error)
	DeleteListing(ctx context.Context, listingID int64, requester string) error
}

// OperationRunner runs writes in the background.
type OperationRunner interface {
	Start(kind string, listingID int64, fn service.OpFunc) service.Operation
}

// ListingHandler serves the marketplace listing endpoints.
type ListingHandler struct {
	reader ListingReader
	writer ListingWriter
	ops    OperationRunner
	logger *slog.Logger
}

// NewListingHandler creates a ListingHandler. writer and ops are nil in
// read-only deployments; write routes then answer 503.
func NewListingHandler(reader ListingReader, writer ListingWriter, ops OperationRunner, logger *slog.Logger) *ListingHandler {
	return &ListingHandler{
		reader: reader,
		writer: writer,
		ops:    ops,
		logger: logHandler(logger, "listings"),
	}
}

type listListingsResponse struct {
	Listings []domain.MergedListing `json:"listings"`
}

// ListListings returns active listings, optionally filtered by title
// substring or participant address.
// GET /api/listings?q=...&participant=0x...&limit=50 (title= is accepted for q=)
func (h *ListingHandler) ListListings(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	title := q.Get("q")
	if title == "" {
		title = q.Get("title")
	}
	filter := domain.ListingFilter{Kind: domain.FilterAll}
	switch {
	case q.Get("participant") != "":
		filter.Kind, filter.Participant = domain.FilterParticipant, strings.TrimSpace(q.Get("participant"))
	case title != "":
		filter.Kind, filter.Title = domain.FilterTitle, title
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "invalid limit")
			return
		}
		filter.Limit = min(n, 500)
	}

	listings, err := h.reader.ListActive(r.Context(), filter)
	if err != nil {
		writeServiceError(w, r, h.logger, "list listings", err)
		return
	}
	if listings == nil {
		listings = []domain.MergedListing{}
	}
	writeJSON(w, http.StatusOK, listListingsResponse{Listings: listings})
}

// ListParticipantListings returns the listings where address trades.
// GET /api/participants/{address}/listings
func (h *ListingHandler) ListParticipantListings(w http.ResponseWriter, r *http.Request) {
	listings, err := h.reader.ListActive(r.Context(), domain.ListingFilter{
		Kind:        domain.FilterParticipant,
		Participant: r.PathValue("address"),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "list participant listings", err)
		return
	}
	if listings == nil {
		listings = []domain.MergedListing{}
	}
	writeJSON(w, http.StatusOK, listListingsResponse{Listings: listings})
}

// GetListing returns one merged listing.
// GET /api/listings/{id}
func (h *ListingHandler) GetListing(w http.ResponseWriter, r *http.Request) {
	id, err := listingID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "get listing", err)
		return
	}
	m, err := h.reader.GetListing(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, "get listing", err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

type createListingBody struct {
	Seller       string              `json:"seller"`
	Price        string              `json:"price"`
	Title        string              `json:"title"`
	Description  string              `json:"description"`
	ContactLinks domain.ContactLinks `json:"contactLinks"`
}

// CreateListing lists an item on the ledger and in the catalog. Without
// ?wait=true it answers 202 with an operation to poll.
// POST /api/listings
func (h *ListingHandler) CreateListing(w http.ResponseWriter, r *http.Request) {
	if !h.writable(w) {
		return
	}
	var body createListingBody
	if err := decodeBody(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "create listing", err)
		return
	}
	price, err := parsePrice(body.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "create listing", err)
		return
	}
	req := service.CreateListingRequest{
		Seller:      body.Seller,
		Price:       price,
		Title:       body.Title,
		Description: body.Description,
		Contacts:    body.ContactLinks,
	}
	h.run(w, r, "create_listing", 0, http.StatusCreated, func(ctx context.Context) (service.WriteResult, error) {
		return h.writer.CreateListing(ctx, req)
	})
}

type createBuyOrderBody struct {
	Buyer        string              `json:"buyer"`
	Price        string              `json:"price"`
	Title        string              `json:"title"`
	Description  string              `json:"description"`
	ContactLinks domain.ContactLinks `json:"contactLinks"`
}

// CreateBuyOrder stores a catalog-only buy order.
// POST /api/buy-orders
func (h *ListingHandler) CreateBuyOrder(w http.ResponseWriter, r *http.Request) {
	if !h.writable(w) {
		return
	}
	var body createBuyOrderBody
	if err := decodeBody(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "create buy order", err)
		return
	}
	price, err := parsePrice(body.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "create buy order", err)
		return
	}
	res, err := h.writer.CreateBuyOrder(r.Context(), service.CreateBuyOrderRequest{
		Buyer:       body.Buyer,
		Price:       price,
		Title:       body.Title,
		Description: body.Description,
		Contacts:    body.ContactLinks,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create buy order", err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

type updatePriceBody struct {
	Price     string `json:"price"`
	Requester string `json:"requester"`
}

// UpdatePrice changes the price of a listing without a buyer.
// PUT /api/listings/{id}/price
func (h *ListingHandler) UpdatePrice(w http.ResponseWriter, r *http.Request) {
	if !h.writable(w) {
		return
	}
	id, err := listingID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "update price", err)
		return
	}
	var body updatePriceBody
	if err := decodeBody(w, r, &body); err != nil {
		writeServiceError(w, r, h.logger, "update price", err)
		return
	}
	price, err := parsePrice(body.Price)
	if err != nil {
		writeServiceError(w, r, h.logger, "update price", err)
		return
	}
	requester := requesterFrom(r, body.Requester)
	h.run(w, r, "update_price", id, http.StatusOK, func(ctx context.Context) (service.WriteResult, error) {
		return h.writer.UpdatePrice(ctx, id, price, requester)
	})
}

type transitionBody struct {
	Requester string `json:"requester"`
}

// Purchase buys the listing for the requester.
// POST /api/listings/{id}/purchase
func (h *ListingHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "purchase", func(ctx context.Context, id int64, who string) (service.WriteResult, error) {
		return h.writer.Purchase(ctx, id, who)
	})
}

// ConfirmDelivery marks the item delivered on behalf of the buyer.
// POST /api/listings/{id}/confirm-delivery
func (h *ListingHandler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "confirm_delivery", func(ctx context.Context, id int64, who string) (service.WriteResult, error) {
		return h.writer.ConfirmDelivery(ctx, id, who)
	})
}

// ClaimPayment releases the escrow to the seller.
// POST /api/listings/{id}/claim-payment
func (h *ListingHandler) ClaimPayment(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "claim_payment", func(ctx context.Context, id int64, who string) (service.WriteResult, error) {
		return h.writer.ClaimPayment(ctx, id, who)
	})
}

func (h *ListingHandler) transition(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	call func(ctx context.Context, id int64, requester string) (service.WriteResult, error),
) {
	if !h.writable(w) {
		return
	}
	id, err := listingID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, kind, err)
		return
	}
	var body transitionBody
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			writeServiceError(w, r, h.logger, kind, err)
			return
		}
	}
	requester := requesterFrom(r, body.Requester)
	h.run(w, r, kind, id, http.StatusOK, func(ctx context.Context) (service.WriteResult, error) {
		return call(ctx, id, requester)
	})
}

// DeleteListing removes an unsold listing from the catalog.
// DELETE /api/listings/{id}?requester=0x...
func (h *ListingHandler) DeleteListing(w http.ResponseWriter, r *http.Request) {
	if !h.writable(w) {
		return
	}
	id, err := listingID(r)
	if err != nil {
		writeServiceError(w, r, h.logger, "delete listing", err)
		return
	}
	if err := h.writer.DeleteListing(r.Context(), id, requesterFrom(r, "")); err != nil {
		writeServiceError(w, r, h.logger, "delete listing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "deleted",
		"listingId": id,
	})
}

// run executes fn inline when the caller asked to wait, otherwise hands it
// to the operation runner and answers 202.
func (h *ListingHandler) run(w http.ResponseWriter, r *http.Request, kind string, id int64, okStatus int, fn service.OpFunc) {
	if h.ops == nil || wantsWait(r) {
		res, err := fn(r.Context())
		if err != nil {
			writeServiceError(w, r, h.logger, kind, err)
			return
		}
		writeJSON(w, okStatus, res)
		return
	}
	op := h.ops.Start(kind, id, fn)
	w.Header().Set("Location", "/api/operations/"+op.ID)
	writeJSON(w, http.StatusAccepted, op)
}

func (h *ListingHandler) writable(w http.ResponseWriter) bool {
	if h.writer == nil {
		writeError(w, http.StatusServiceUnavailable, "read_only", "this deployment is read-only")
		return false
	}
	return true
}

func parsePrice(raw string) (decimal.Decimal, error) {
	p, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("invalid price %q: %w", raw, domain.ErrInvalidInput)
	}
	return p, service.ValidatePrice(p)
}

// logHandler attaches the handler name to log records.
func logHandler(logger *slog.Logger, handler string) *slog.Logger {
	return logger.With(slog.String("handler", handler))
}
