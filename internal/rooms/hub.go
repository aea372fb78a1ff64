package rooms

import (
	"errors"
	"sort"
	"sync"

	"github.com/MarcoPoloResearchLab/flipbook/backend/internal/metrics"
	"go.uber.org/zap"
)

// HubConfig describes the dependencies of a Hub.
type HubConfig struct {
	Logger  *zap.Logger
	Metrics metrics.Recorder
}

// Delivery reports the outcome of one broadcast.
type Delivery struct {
	Delivered int
	Dropped   int
}

type hubMember struct {
	connection Connection
	rooms      map[string]struct{}
}

// Hub owns live connections and their room memberships.
// One lock guards both indexes so that join, leave and disconnect never observe a half-applied update.
type Hub struct {
	mu          sync.RWMutex
	closed      bool
	connections map[string]*hubMember
	rooms       map[string]map[string]Connection

	logger  *zap.Logger
	metrics metrics.Recorder
}

// NewHub constructs an empty Hub.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections: make(map[string]*hubMember),
		rooms:       make(map[string]map[string]Connection),
		logger:      logger,
		metrics:     metrics.OrNoop(cfg.Metrics),
	}
}

// Register adds a live connection with no room memberships.
func (hub *Hub) Register(connection Connection) error {
	if connection == nil || connection.ID() == "" {
		return ErrUnknownConnection
	}
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.closed {
		return ErrHubClosed
	}
	if _, exists := hub.connections[connection.ID()]; exists {
		return ErrDuplicateConnection
	}
	hub.connections[connection.ID()] = &hubMember{
		connection: connection,
		rooms:      make(map[string]struct{}),
	}
	return nil
}

// Join adds the connection to the room. It reports whether the membership is new.
func (hub *Hub) Join(connectionID, roomID string) (bool, error) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.closed {
		return false, ErrHubClosed
	}
	member, ok := hub.connections[connectionID]
	if !ok {
		return false, ErrUnknownConnection
	}
	if _, joined := member.rooms[roomID]; joined {
		return false, nil
	}
	member.rooms[roomID] = struct{}{}
	roomMembers, ok := hub.rooms[roomID]
	if !ok {
		roomMembers = make(map[string]Connection)
		hub.rooms[roomID] = roomMembers
	}
	roomMembers[connectionID] = member.connection
	return true, nil
}

// Leave removes the connection from the room. It reports whether a membership was removed.
func (hub *Hub) Leave(connectionID, roomID string) bool {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	member, ok := hub.connections[connectionID]
	if !ok {
		return false
	}
	if _, joined := member.rooms[roomID]; !joined {
		return false
	}
	delete(member.rooms, roomID)
	hub.removeFromRoomLocked(roomID, connectionID)
	return true
}

// Disconnect removes the connection and every membership it holds, returning the rooms it left.
// Calling it for an unknown connection returns nil.
func (hub *Hub) Disconnect(connectionID string) []string {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	member, ok := hub.connections[connectionID]
	if !ok {
		return nil
	}
	delete(hub.connections, connectionID)
	left := make([]string, 0, len(member.rooms))
	for roomID := range member.rooms {
		hub.removeFromRoomLocked(roomID, connectionID)
		left = append(left, roomID)
	}
	sort.Strings(left)
	return left
}

func (hub *Hub) removeFromRoomLocked(roomID, connectionID string) {
	roomMembers := hub.rooms[roomID]
	if roomMembers == nil {
		return
	}
	delete(roomMembers, connectionID)
	if len(roomMembers) == 0 {
		delete(hub.rooms, roomID)
	}
}

// IsMember reports whether the connection has joined the room.
func (hub *Hub) IsMember(connectionID, roomID string) bool {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	_, ok := hub.rooms[roomID][connectionID]
	return ok
}

// Members returns the sorted connection ids in the room.
func (hub *Hub) Members(roomID string) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	roomMembers := hub.rooms[roomID]
	ids := make([]string, 0, len(roomMembers))
	for connectionID := range roomMembers {
		ids = append(ids, connectionID)
	}
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the sorted rooms the connection has joined.
func (hub *Hub) RoomsOf(connectionID string) []string {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	member, ok := hub.connections[connectionID]
	if !ok {
		return nil
	}
	rooms := make([]string, 0, len(member.rooms))
	for roomID := range member.rooms {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// ConnectionCount returns the number of registered connections.
func (hub *Hub) ConnectionCount() int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.connections)
}

// Broadcast delivers the event to every member of the room except excludeConnectionID.
// An empty excludeConnectionID delivers to the whole room. The payload is encoded once.
// Members whose queue is full are closed and counted as dropped.
func (hub *Hub) Broadcast(roomID, event string, payload any, excludeConnectionID string) (Delivery, error) {
	frame, err := Encode(event, payload)
	if err != nil {
		return Delivery{}, err
	}

	var (
		delivery Delivery
		slow     []Connection
	)
	hub.mu.RLock()
	for connectionID, connection := range hub.rooms[roomID] {
		if connectionID == excludeConnectionID {
			continue
		}
		if sendErr := connection.Send(frame); sendErr != nil {
			delivery.Dropped++
			if errors.Is(sendErr, ErrSlowConsumer) {
				slow = append(slow, connection)
			}
			continue
		}
		delivery.Delivered++
	}
	hub.mu.RUnlock()

	hub.metrics.MessagesDelivered(event, delivery.Delivered)
	for range delivery.Dropped {
		hub.metrics.DeliveryDropped(event)
	}
	for _, connection := range slow {
		hub.logger.Warn("dropping slow realtime consumer",
			zap.String("connection_id", connection.ID()),
			zap.String("room_id", roomID),
			zap.String("event", event))
		connection.Close()
	}
	return delivery, nil
}

// SendTo delivers the event to one connection.
func (hub *Hub) SendTo(connectionID, event string, payload any) error {
	frame, err := Encode(event, payload)
	if err != nil {
		return err
	}
	hub.mu.RLock()
	member, ok := hub.connections[connectionID]
	hub.mu.RUnlock()
	if !ok {
		return ErrUnknownConnection
	}
	if err := member.connection.Send(frame); err != nil {
		hub.metrics.DeliveryDropped(event)
		if errors.Is(err, ErrSlowConsumer) {
			hub.logger.Warn("dropping slow realtime consumer",
				zap.String("connection_id", connectionID),
				zap.String("event", event))
			member.connection.Close()
		}
		return err
	}
	hub.metrics.MessagesDelivered(event, 1)
	return nil
}

// Shutdown closes every connection and releases all memberships.
// Later Register and Join calls fail with ErrHubClosed.
func (hub *Hub) Shutdown() {
	hub.mu.Lock()
	if hub.closed {
		hub.mu.Unlock()
		return
	}
	hub.closed = true
	connections := make([]Connection, 0, len(hub.connections))
	for _, member := range hub.connections {
		connections = append(connections, member.connection)
	}
	hub.connections = make(map[string]*hubMember)
	hub.rooms = make(map[string]map[string]Connection)
	hub.mu.Unlock()

	for _, connection := range connections {
		connection.Close()
	}
	hub.logger.Info("realtime hub stopped", zap.Int("connections", len(connections)))
}
