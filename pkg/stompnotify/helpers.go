package stompnotify

import "time"

const (
	UserDestinationPrefix = "/user"

	TopicChat          = "/topic/chat"
	TopicNotifications = "/topic/notifications"
	TopicOrders        = "/topic/orders"
	TopicProducts      = "/topic/products"
	TopicInventory     = "/topic/inventory"

	AppChatMessage     = "/app/chat/message"
	AppChatQuery       = "/app/chat/query"
	AppOrderUpdate     = "/app/orders/update"
	AppProductUpdate   = "/app/products/update"
	AppInventoryUpdate = "/app/inventory/update"

	// AffectedUsersAll addresses an update to every connected user.
	AffectedUsersAll = "ALL"
)

// timestampLayout matches JavaScript's Date.toISOString.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// ChatMessage is sent to and received from the chat destinations.
type ChatMessage struct {
	ID             any    `json:"id,omitempty"`
	Sender         string `json:"sender"`
	Content        string `json:"content"`
	ConversationID string `json:"conversationId"`
	Timestamp      string `json:"timestamp"`
	Type           string `json:"type,omitempty"`
}

// RealTimeUpdate is sent to the update destinations. Inbound updates also
// carry UpdateID, EntityType and Timestamp.
type RealTimeUpdate struct {
	UpdateID      string `json:"updateId,omitempty"`
	EntityType    string `json:"entityType,omitempty"`
	EntityID      any    `json:"entityId"`
	Action        string `json:"action"`
	Data          any    `json:"data"`
	AffectedUsers string `json:"affectedUsers"`
	Timestamp     string `json:"timestamp,omitempty"`
}

// Notification is delivered on the per-user notifications destination.
type Notification struct {
	ID        any    `json:"id,omitempty"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}

func newChatMessage(sender, content, conversationID string) ChatMessage {
	return ChatMessage{
		Sender:         sender,
		Content:        content,
		ConversationID: conversationID,
		Timestamp:      formatTimestamp(time.Now()),
	}
}

func newUpdate(entityID any, action string, data any) RealTimeUpdate {
	return RealTimeUpdate{
		EntityID:      entityID,
		Action:        action,
		Data:          data,
		AffectedUsers: AffectedUsersAll,
	}
}

func (m *ConnectionManager) SendChatMessage(sender, content, conversationID string) bool {
	return m.SendMessage(AppChatMessage, newChatMessage(sender, content, conversationID))
}

// SendChatQuery sends a question to the chat assistant.
func (m *ConnectionManager) SendChatQuery(sender, content, conversationID string) bool {
	return m.SendMessage(AppChatQuery, newChatMessage(sender, content, conversationID))
}

func (m *ConnectionManager) SendOrderUpdate(entityID any, action string, data any) bool {
	return m.SendMessage(AppOrderUpdate, newUpdate(entityID, action, data))
}

func (m *ConnectionManager) SendProductUpdate(entityID any, action string, data any) bool {
	return m.SendMessage(AppProductUpdate, newUpdate(entityID, action, data))
}

func (m *ConnectionManager) SendInventoryUpdate(entityID any, action string, data any) bool {
	return m.SendMessage(AppInventoryUpdate, newUpdate(entityID, action, data))
}

func (m *ConnectionManager) SubscribeToChat(handler MessageHandler) bool {
	return m.Subscribe(TopicChat, handler)
}

// SubscribeToNotifications subscribes to the current user's notifications.
func (m *ConnectionManager) SubscribeToNotifications(handler MessageHandler) bool {
	return m.SubscribeToUser(TopicNotifications, handler)
}

func (m *ConnectionManager) SubscribeToOrders(handler MessageHandler) bool {
	return m.Subscribe(TopicOrders, handler)
}

func (m *ConnectionManager) SubscribeToProducts(handler MessageHandler) bool {
	return m.Subscribe(TopicProducts, handler)
}

func (m *ConnectionManager) SubscribeToInventory(handler MessageHandler) bool {
	return m.Subscribe(TopicInventory, handler)
}
