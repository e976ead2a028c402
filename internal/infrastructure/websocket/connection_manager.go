package websocket

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"bidhub/internal/domain"
	"bidhub/internal/metrics"
	"bidhub/pkg/logger"
)

type room struct {
	conns   map[domain.WebSocketConnection]struct{}
	members map[string]*member
}

type member struct {
	presence domain.Presence
	conns    int
}

// ConnectionManager is the local broadcast gateway: auction rooms of
// connected watchers with per-user presence.
type ConnectionManager struct {
	mutex   sync.RWMutex
	rooms   map[string]*room
	total   int
	clock   domain.Clock
	metrics *metrics.Metrics
	log     logger.Logger
}

func NewConnectionManager(clock domain.Clock, m *metrics.Metrics, log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		rooms:   make(map[string]*room),
		clock:   clock,
		metrics: m,
		log:     log,
	}
}

func (cm *ConnectionManager) roomFor(auctionID string) *room {
	r, ok := cm.rooms[auctionID]
	if !ok {
		r = &room{
			conns:   make(map[domain.WebSocketConnection]struct{}),
			members: make(map[string]*member),
		}
		cm.rooms[auctionID] = r
	}
	return r
}

// RegisterConnection adds conn to its auction room and subscribes its user.
func (cm *ConnectionManager) RegisterConnection(conn domain.WebSocketConnection) {
	cm.mutex.Lock()
	r := cm.roomFor(conn.AuctionID())
	if _, exists := r.conns[conn]; !exists {
		r.conns[conn] = struct{}{}
		cm.total++
	}
	cm.metrics.RoomConnections.Set(float64(cm.total))
	cm.mutex.Unlock()

	cm.log.Info("Connection registered", "user_id", conn.UserID(), "auction_id", conn.AuctionID())
	cm.OnSubscribe(conn.AuctionID(), conn.UserID())
}

// UnregisterConnection is a no-op for connections already removed by
// CloseRoom.
func (cm *ConnectionManager) UnregisterConnection(conn domain.WebSocketConnection) {
	cm.mutex.Lock()
	r, ok := cm.rooms[conn.AuctionID()]
	if !ok {
		cm.mutex.Unlock()
		return
	}
	if _, exists := r.conns[conn]; !exists {
		cm.mutex.Unlock()
		return
	}
	delete(r.conns, conn)
	cm.total--
	cm.metrics.RoomConnections.Set(float64(cm.total))
	cm.mutex.Unlock()

	cm.log.Info("Connection unregistered", "user_id", conn.UserID(), "auction_id", conn.AuctionID())
	cm.OnUnsubscribe(conn.AuctionID(), conn.UserID())
}

// OnSubscribe counts one more connection for the user and announces the user
// when they are new to the room.
func (cm *ConnectionManager) OnSubscribe(auctionID, userID string) {
	cm.mutex.Lock()
	r := cm.roomFor(auctionID)
	m, exists := r.members[userID]
	if !exists {
		m = &member{presence: domain.Presence{AuctionID: auctionID, UserID: userID, JoinedAt: cm.clock.Now()}}
		r.members[userID] = m
	}
	m.conns++
	participants := len(r.members)
	cm.mutex.Unlock()

	if !exists {
		cm.broadcastPresence(auctionID, participants)
	}
}

func (cm *ConnectionManager) OnUnsubscribe(auctionID, userID string) {
	cm.mutex.Lock()
	r, ok := cm.rooms[auctionID]
	if !ok {
		cm.mutex.Unlock()
		return
	}
	m, ok := r.members[userID]
	if !ok {
		cm.mutex.Unlock()
		return
	}
	m.conns--
	left := m.conns <= 0
	if left {
		delete(r.members, userID)
	}
	participants := len(r.members)
	if len(r.members) == 0 && len(r.conns) == 0 {
		delete(cm.rooms, auctionID)
	}
	cm.mutex.Unlock()

	if left {
		cm.broadcastPresence(auctionID, participants)
	}
}

func (cm *ConnectionManager) RoomParticipantCount(auctionID string) int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	if r, ok := cm.rooms[auctionID]; ok {
		return len(r.members)
	}
	return 0
}

// Presence lists the room's users in join order.
func (cm *ConnectionManager) Presence(auctionID string) []domain.Presence {
	cm.mutex.RLock()
	r, ok := cm.rooms[auctionID]
	var out []domain.Presence
	if ok {
		out = make([]domain.Presence, 0, len(r.members))
		for _, m := range r.members {
			out = append(out, m.presence)
		}
	}
	cm.mutex.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out
}

// Publish fans the event out to every local watcher of the auction.
func (cm *ConnectionManager) Publish(_ context.Context, event *domain.AuctionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	cm.broadcast(event.AuctionID, payload)
	return nil
}

func (cm *ConnectionManager) broadcast(auctionID string, payload []byte) {
	for _, conn := range cm.connectionsFor(auctionID) {
		if err := conn.Send(payload); err != nil {
			cm.log.Warn("Dropping watcher", "user_id", conn.UserID(), "auction_id", auctionID, "error", err)
			_ = conn.Close()
		}
	}
}

func (cm *ConnectionManager) broadcastPresence(auctionID string, participants int) {
	event := &domain.AuctionEvent{
		Type:         domain.EventPresence,
		AuctionID:    auctionID,
		OccurredAt:   cm.clock.Now(),
		Participants: &participants,
	}
	if err := cm.Publish(context.Background(), event); err != nil {
		cm.log.Warn("Failed to broadcast presence", "auction_id", auctionID, "error", err)
	}
}

func (cm *ConnectionManager) connectionsFor(auctionID string) []domain.WebSocketConnection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	r, ok := cm.rooms[auctionID]
	if !ok {
		return nil
	}
	conns := make([]domain.WebSocketConnection, 0, len(r.conns))
	for conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// CloseRoom disconnects every watcher of a finished auction.
func (cm *ConnectionManager) CloseRoom(auctionID string) {
	cm.mutex.Lock()
	r, ok := cm.rooms[auctionID]
	if ok {
		delete(cm.rooms, auctionID)
		cm.total -= len(r.conns)
		cm.metrics.RoomConnections.Set(float64(cm.total))
	}
	cm.mutex.Unlock()

	if !ok {
		return
	}
	for conn := range r.conns {
		if err := conn.Close(); err != nil {
			cm.log.Error("Failed to close connection", "user_id", conn.UserID(), "auction_id", auctionID, "error", err)
		}
	}
	cm.log.Info("Connections closed for auction", "auction_id", auctionID, "connections", len(r.conns))
}
