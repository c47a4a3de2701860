package websocket

import "github.com/rs/zerolog/log"

// GlobalTopic receives every published message regardless of instance.
const GlobalTopic = "global"

type targeted struct {
	instanceID string
	message    []byte
}

// Hub maintains the set of active clients and fans messages out to them.
// All client bookkeeping happens on the Run goroutine.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Register requests from the clients.
	Register chan *Client

	// Unregister requests from clients.
	Unregister chan *Client

	publish chan targeted
	done    chan struct{}

	// A map of instance IDs to the set of clients subscribed to it.
	subscriptions map[string]map[*Client]bool
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		Register:      make(chan *Client),
		Unregister:    make(chan *Client),
		publish:       make(chan targeted, 64),
		done:          make(chan struct{}),
		clients:       make(map[*Client]bool),
		subscriptions: make(map[string]map[*Client]bool),
	}
}

// Run starts the Hub's message processing loop. It returns after Stop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.clients[client] = true
			h.addSubscription(client, client.InstanceID)
			log.Info().Int("total_clients", len(h.clients)).Str("topic", client.InstanceID).Msg("Client connected")
		case client := <-h.Unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
				log.Info().Int("total_clients", len(h.clients)).Msg("Client disconnected")
			}
		case msg := <-h.publish:
			h.deliver(GlobalTopic, msg.message)
			if msg.instanceID != "" && msg.instanceID != GlobalTopic {
				h.deliver(msg.instanceID, msg.message)
			}
		case <-h.done:
			for client := range h.clients {
				h.drop(client)
			}
			return
		}
	}
}

// Join registers client unless the hub has stopped.
func (h *Hub) Join(client *Client) bool {
	select {
	case h.Register <- client:
		return true
	case <-h.done:
		return false
	}
}

// Leave unregisters client unless the hub has stopped.
func (h *Hub) Leave(client *Client) {
	select {
	case h.Unregister <- client:
	case <-h.done:
	}
}

// Stop ends Run and closes every client's send channel.
func (h *Hub) Stop() {
	close(h.done)
}

// BroadcastTo queues a message for clients subscribed to instanceID and for
// global subscribers. It never blocks; when the queue is full the message is dropped.
func (h *Hub) BroadcastTo(instanceID string, message []byte) {
	select {
	case h.publish <- targeted{instanceID: instanceID, message: message}:
	default:
		log.Warn().Str("instance_id", instanceID).Msg("Websocket publish queue full, dropping message")
	}
}

func (h *Hub) deliver(topic string, message []byte) {
	for client := range h.subscriptions[topic] {
		select {
		case client.Send <- message:
		default:
			h.drop(client)
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	h.removeSubscription(client)
	client.closeSend()
}

func (h *Hub) addSubscription(client *Client, instanceID string) {
	if instanceID == "" {
		instanceID = GlobalTopic
	}
	if h.subscriptions[instanceID] == nil {
		h.subscriptions[instanceID] = make(map[*Client]bool)
	}
	h.subscriptions[instanceID][client] = true
}

func (h *Hub) removeSubscription(client *Client) {
	for instanceID, subs := range h.subscriptions {
		if _, ok := subs[client]; ok {
			delete(subs, client)
			if len(subs) == 0 {
				delete(h.subscriptions, instanceID)
			}
		}
	}
}
