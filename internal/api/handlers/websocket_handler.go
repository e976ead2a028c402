package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"bidhub/internal/domain"
	ws "bidhub/internal/infrastructure/websocket"
	"bidhub/internal/services"
	"bidhub/pkg/logger"
	"bidhub/pkg/money"
)

const bidTimeout = 5 * time.Second

type clientMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Amount    json.RawMessage `json:"amount,omitempty"`
}

type stateMessage struct {
	Type         string          `json:"type"`
	Auction      AuctionResponse `json:"auction"`
	Participants int             `json:"participants"`
}

type bidResultMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id,omitempty"`
	BidResponse
}

type errorMessage struct {
	Type      string           `json:"type"`
	RequestID string           `json:"request_id,omitempty"`
	Code      domain.ErrorCode `json:"code"`
	Message   string           `json:"message"`
}

// WebSocketHandler serves /ws/auctions/{auctionID}?user_id=. Watchers receive
// every event of the auction; bids placed over the socket are answered with
// a bid_result addressed to the bidder only.
type WebSocketHandler struct {
	auctions AuctionService
	manager  *ws.ConnectionManager
	clock    domain.Clock
	upgrader websocket.Upgrader
	log      logger.Logger
}

func NewWebSocketHandler(auctions AuctionService, manager *ws.ConnectionManager, clock domain.Clock, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		auctions: auctions,
		manager:  manager,
		clock:    clock,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		log: log,
	}
}

func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	auctionID := mux.Vars(r)["auctionID"]
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Code: domain.CodeValidation, Message: "user_id required"})
		return
	}

	auction, err := h.auctions.Auction(r.Context(), auctionID)
	if err != nil {
		writeJSON(w, statusForError(err), errorResponse(err))
		return
	}
	if auction.Status.IsTerminal() {
		writeJSON(w, http.StatusGone, ErrorResponse{Code: domain.CodeInvalidTransition, Message: "auction has already " + auction.Status.String()})
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "auction_id", auctionID, "error", err)
		return
	}

	wsConn := ws.NewConnection(conn, userID, auctionID, h.log)
	go wsConn.WritePump()

	h.manager.RegisterConnection(wsConn)
	defer func() {
		h.manager.UnregisterConnection(wsConn)
		_ = wsConn.Shutdown()
	}()

	_ = wsConn.Send(stateMessage{
		Type:         "auction_state",
		Auction:      newAuctionResponse(auction, h.clock.Now()),
		Participants: h.manager.RoomParticipantCount(auctionID),
	})

	h.readLoop(wsConn)
}

func (h *WebSocketHandler) readLoop(conn *ws.Connection) {
	for {
		var msg clientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("Websocket read failed", "user_id", conn.UserID(), "auction_id", conn.AuctionID(), "error", err)
			}
			return
		}

		switch msg.Type {
		case "place_bid":
			h.placeBid(conn, msg)
		case "ping":
			_ = conn.Send(map[string]string{"type": "pong"})
		default:
			_ = conn.Send(errorMessage{Type: "error", RequestID: msg.RequestID, Code: domain.CodeValidation, Message: "unknown message type"})
		}
	}
}

func (h *WebSocketHandler) placeBid(conn *ws.Connection, msg clientMessage) {
	amount, parseErr := rawAmount(msg.Amount)
	if parseErr != nil {
		amount = 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), bidTimeout)
	defer cancel()

	result, err := h.auctions.PlaceBid(ctx, services.PlaceBidRequest{
		AuctionID: conn.AuctionID(),
		BidderID:  conn.UserID(),
		Amount:    amount,
	})
	if err != nil {
		resp := errorResponse(err)
		if errors.Is(err, context.DeadlineExceeded) {
			resp.Code = domain.CodeUnavailable
		}
		_ = conn.Send(errorMessage{Type: "error", RequestID: msg.RequestID, Code: resp.Code, Message: resp.Message})
		return
	}

	if !result.Accepted {
		explainAmount(result.Rejection, parseErr)
	}
	_ = conn.Send(bidResultMessage{Type: "bid_result", RequestID: msg.RequestID, BidResponse: newBidResponse(result)})
}

// rawAmount accepts the amount as a decimal string or a bare JSON number.
func rawAmount(raw json.RawMessage) (money.Amount, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		s = string(raw)
	}
	return money.Parse(s)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
