package app

import (
	"encoding/base64"
	"strconv"
	"time"

	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
)

// The view helpers render domain values as plain maps shared by the gRPC,
// MCP and headless front-ends. Only types accepted by structpb.NewValue are
// used; nanosecond stamps travel as strings to survive float64 encoding.

func (a *App) ConversationView(c *domain.Conversation) map[string]interface{} {
	if c == nil {
		return nil
	}
	members := make([]interface{}, len(c.MemberIdentifiers))
	for i, m := range c.MemberIdentifiers {
		members[i] = m
	}
	view := map[string]interface{}{
		"id":            c.ID,
		"kind":          c.Kind.String(),
		"display_name":  c.DisplayName,
		"members":       members,
		"blocked":       c.Blocked,
		"created_at":    formatTime(c.CreatedAt),
		"last_activity": formatTime(c.LastActivity),
	}
	if c.PeerIdentifier != "" {
		view["peer"] = c.PeerIdentifier
		if addr := a.Messenger.Cache().AddressFor(c.PeerIdentifier); addr != "" {
			view["peer_address"] = addr
		}
	}
	if c.SequenceNumber > 0 {
		view["sequence"] = c.SequenceNumber
	}
	return view
}

func (a *App) ConversationsView(list []*domain.Conversation) []interface{} {
	out := make([]interface{}, len(list))
	for i, c := range list {
		view := a.ConversationView(c)
		view["index"] = i
		out[i] = view
	}
	return out
}

func (a *App) MessageView(m *domain.Message) map[string]interface{} {
	if m == nil {
		return nil
	}
	content := domain.ParseContent(m.Content)
	view := map[string]interface{}{
		"id":              m.ID,
		"conversation_id": m.ConversationID,
		"sender":          m.SenderIdentifier,
		"sender_label":    a.Messenger.Cache().SenderLabel(m.SenderIdentifier),
		"from_me":         m.SenderIdentifier == a.Messenger.SelfID(),
		"sent_at":         formatTime(m.SentAt()),
		"sent_at_nanos":   strconv.FormatInt(m.SentAtNanos, 10),
		"type":            string(content.ContentType()),
		"preview":         domain.Preview(content),
	}
	switch c := content.(type) {
	case *domain.Text:
		view["text"] = c.Body
	case *domain.FileAttachment:
		view["file_name"] = c.FileName
		view["file_type"] = c.FileType
		if data, err := base64.StdEncoding.DecodeString(c.FileData); err == nil {
			view["file_size"] = len(data)
		}
	}
	return view
}

func (a *App) MessagesView(list []*domain.Message) []interface{} {
	out := make([]interface{}, len(list))
	for i, m := range list {
		out[i] = a.MessageView(m)
	}
	return out
}

func CallStateView(st domain.CallState) map[string]interface{} {
	return map[string]interface{}{
		"phase":           string(st.Phase),
		"media":           string(st.MediaKind),
		"conversation_id": st.ConversationID,
		"peer":            st.PeerIdentifier,
		"session_id":      st.SessionID,
	}
}

func BroadcastStateView(st domain.BroadcastState) map[string]interface{} {
	peers := make([]interface{}, len(st.Peers))
	for i, p := range st.Peers {
		peers[i] = p
	}
	return map[string]interface{}{
		"conversation_id":    st.ConversationID,
		"active_broadcaster": st.ActiveBroadcaster,
		"broadcasting":       st.Broadcasting,
		"peers":              peers,
	}
}

func (a *App) StatusView() map[string]interface{} {
	st := a.Status()
	view := map[string]interface{}{
		"backend":       st.Backend,
		"inbox_id":      st.InboxID,
		"address":       st.Address,
		"chain_id":      st.ChainID,
		"connected":     st.Connected,
		"logged_in":     st.LoggedIn,
		"conversations": st.Conversations,
		"call":          CallStateView(st.Call),
	}
	if st.Current != nil {
		view["current"] = a.ConversationView(st.Current)
	}
	return view
}

// EventView renders a bus event as {type, timestamp, data}.
func (a *App) EventView(e domain.Event) map[string]interface{} {
	var data map[string]interface{}
	switch ev := e.(type) {
	case domain.ConversationsUpdatedEvent:
		data = map[string]interface{}{"conversations": a.ConversationsView(ev.Conversations)}
	case domain.ConversationSelectedEvent:
		data = map[string]interface{}{"conversation": a.ConversationView(ev.Conversation)}
	case domain.MessagesUpdatedEvent:
		data = map[string]interface{}{
			"conversation_id": ev.ConversationID,
			"messages":        a.MessagesView(ev.Messages),
		}
	case domain.MessageReceivedEvent:
		data = map[string]interface{}{"message": a.MessageView(ev.Message)}
	case domain.NotificationEvent:
		data = map[string]interface{}{
			"kind":            string(ev.Kind),
			"conversation_id": ev.ConversationID,
			"title":           ev.Title,
			"body":            ev.Body,
		}
	case domain.ActivityEvent:
		data = map[string]interface{}{
			"action":          ev.Action,
			"conversation_id": ev.ConversationID,
			"actor":           ev.Actor,
		}
	case domain.CallStateEvent:
		data = CallStateView(ev.State)
		data["reason"] = ev.Reason
	case domain.IncomingCallEvent:
		data = map[string]interface{}{
			"conversation_id": ev.ConversationID,
			"from":            ev.From,
			"media":           string(ev.MediaKind),
		}
	case domain.BroadcastStateEvent:
		data = BroadcastStateView(ev.State)
	case domain.ConnectionStatusEvent:
		data = map[string]interface{}{
			"connected": ev.Connected,
			"reason":    ev.Reason,
		}
	default:
		data = map[string]interface{}{}
	}
	return map[string]interface{}{
		"type":      string(e.Type()),
		"timestamp": formatTime(e.Timestamp()),
		"data":      data,
	}
}

// AllEventTypes lists every event published on the bus.
var AllEventTypes = []domain.EventType{
	domain.EventTypeConversationsUpdated,
	domain.EventTypeConversationSelected,
	domain.EventTypeMessagesUpdated,
	domain.EventTypeMessageReceived,
	domain.EventTypeNotification,
	domain.EventTypeActivity,
	domain.EventTypeCallState,
	domain.EventTypeIncomingCall,
	domain.EventTypeBroadcastState,
	domain.EventTypeConnectionStatus,
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
