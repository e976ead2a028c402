package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"bidhub/internal/domain"
	"bidhub/internal/services"
	"bidhub/pkg/logger"
)

// AuctionService is the slice of the engine the transports need.
type AuctionService interface {
	CreateAuction(ctx context.Context, params services.CreateAuctionParams) (*domain.Auction, error)
	CancelAuction(ctx context.Context, auctionID string) (*domain.Auction, error)
	Auction(ctx context.Context, auctionID string) (*domain.Auction, error)
	History(ctx context.Context, auctionID string) ([]*domain.Bid, error)
	PlaceBid(ctx context.Context, req services.PlaceBidRequest) (*services.BidResult, error)
}

type AuctionHandler struct {
	auctions AuctionService
	clock    domain.Clock
	log      logger.Logger
}

func NewAuctionHandler(auctions AuctionService, clock domain.Clock, log logger.Logger) *AuctionHandler {
	return &AuctionHandler{auctions: auctions, clock: clock, log: log}
}

func (h *AuctionHandler) Register(g *echo.Group) {
	g.POST("/auctions", h.CreateAuction)
	g.GET("/auctions/:id", h.GetAuction)
	g.GET("/auctions/:id/bids", h.GetBids)
	g.POST("/auctions/:id/bids", h.PlaceBid)
	g.POST("/auctions/:id/cancel", h.CancelAuction)
}

func (h *AuctionHandler) CreateAuction(c echo.Context) error {
	var req CreateAuctionRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	params, err := req.toParams(h.clock.Now())
	if err != nil {
		return c.JSON(http.StatusUnprocessableEntity, ErrorResponse{Code: domain.CodeValidation, Message: err.Error()})
	}

	auction, err := h.auctions.CreateAuction(c.Request().Context(), params)
	if err != nil {
		return h.fail(c, "Failed to create auction", err)
	}

	h.log.Info("Auction created", "auction_id", auction.ID, "seller_id", auction.SellerID)
	return c.JSON(http.StatusCreated, newAuctionResponse(auction, h.clock.Now()))
}

func (h *AuctionHandler) GetAuction(c echo.Context) error {
	auction, err := h.auctions.Auction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "Failed to load auction", err)
	}
	return c.JSON(http.StatusOK, newAuctionResponse(auction, h.clock.Now()))
}

func (h *AuctionHandler) GetBids(c echo.Context) error {
	bids, err := h.auctions.History(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "Failed to load bid history", err)
	}
	return c.JSON(http.StatusOK, newBidHistory(bids))
}

func (h *AuctionHandler) PlaceBid(c echo.Context) error {
	var req PlaceBidRequest
	if ok, err := h.bind(c, &req); !ok {
		return err
	}

	// an unparsable amount goes through as zero so a closed auction is
	// reported as closed before the amount is judged
	amount, parseErr := parseAmount(req.Amount)
	if parseErr != nil {
		amount = 0
	}

	result, err := h.auctions.PlaceBid(c.Request().Context(), services.PlaceBidRequest{
		AuctionID: c.Param("id"),
		BidderID:  req.BidderID,
		Amount:    amount,
	})
	if err != nil {
		if domain.IsRetryable(err) {
			c.Response().Header().Set("Retry-After", "1")
		}
		return h.fail(c, "Failed to place bid", err)
	}

	if !result.Accepted {
		explainAmount(result.Rejection, parseErr)
		return c.JSON(statusForRejection(result.Rejection), newBidResponse(result))
	}
	return c.JSON(http.StatusCreated, newBidResponse(result))
}

func (h *AuctionHandler) CancelAuction(c echo.Context) error {
	auction, err := h.auctions.CancelAuction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return h.fail(c, "Failed to cancel auction", err)
	}
	return c.JSON(http.StatusOK, newAuctionResponse(auction, h.clock.Now()))
}

// bind decodes and validates the body. When it reports false the error
// response has already been written.
func (h *AuctionHandler) bind(c echo.Context, req interface{}) (bool, error) {
	if err := c.Bind(req); err != nil {
		return false, c.JSON(http.StatusBadRequest, ErrorResponse{Code: domain.CodeValidation, Message: "invalid request body"})
	}
	if err := c.Validate(req); err != nil {
		return false, c.JSON(http.StatusUnprocessableEntity, errorResponse(err))
	}
	return true, nil
}

func (h *AuctionHandler) fail(c echo.Context, msg string, err error) error {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.log.Error(msg, "path", c.Path(), "error", err)
	} else {
		h.log.Debug(msg, "path", c.Path(), "error", err)
	}
	return c.JSON(status, errorResponse(err))
}

func (r CreateAuctionRequest) toParams(now time.Time) (services.CreateAuctionParams, error) {
	startingPrice, err := parseAmount(r.StartingPrice)
	if err != nil {
		return services.CreateAuctionParams{}, fmt.Errorf("starting_price: %w", err)
	}
	minIncrement, err := parseAmount(r.MinIncrement)
	if err != nil {
		return services.CreateAuctionParams{}, fmt.Errorf("min_increment: %w", err)
	}
	reserve, err := parseAmount(r.ReservePrice)
	if err != nil {
		return services.CreateAuctionParams{}, fmt.Errorf("reserve_price: %w", err)
	}

	start := now
	if r.StartTime != nil {
		start = r.StartTime.UTC()
	}

	return services.CreateAuctionParams{
		ProductID:         r.ProductID,
		SellerID:          r.SellerID,
		StartingPrice:     startingPrice,
		MinIncrement:      minIncrement,
		ReservePrice:      reserve,
		StartTime:         start,
		EndTime:           r.EndTime.UTC(),
		AutoExtendWindow:  time.Duration(r.AutoExtendWindowSeconds) * time.Second,
		AutoExtendBy:      time.Duration(r.AutoExtendBySeconds) * time.Second,
		DisableAutoExtend: r.DisableAutoExtend,
	}, nil
}

// Health reports liveness along with the instance serving the request.
func Health(instanceID string, clock domain.Clock) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{
			"status":    "ok",
			"service":   "bidding-service",
			"instance":  instanceID,
			"timestamp": clock.Now().Format(time.RFC3339),
		})
	}
}
