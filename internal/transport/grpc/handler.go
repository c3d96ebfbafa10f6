package grpc

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/clippy-oss/homie/web3-messenger/internal/app"
	"github.com/clippy-oss/homie/web3-messenger/internal/broadcast"
	"github.com/clippy-oss/homie/web3-messenger/internal/call"
	"github.com/clippy-oss/homie/web3-messenger/internal/domain"
	"github.com/clippy-oss/homie/web3-messenger/internal/messaging"
	"github.com/clippy-oss/homie/web3-messenger/internal/service"
)

type Handler struct {
	app *app.App
	log zerolog.Logger
}

var _ MessengerServer = (*Handler)(nil)

func NewHandler(a *app.App, log zerolog.Logger) *Handler {
	return &Handler{app: a, log: log}
}

func (h *Handler) GetStatus(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(h.app.StatusView())
}

func (h *Handler) ListConversations(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if boolField(req, "reload") {
		if err := h.app.Messenger.LoadConversations(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	return reply(map[string]interface{}{
		"conversations": h.app.ConversationsView(h.app.Messenger.Conversations()),
	})
}

func (h *Handler) SelectConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var (
		conv *domain.Conversation
		err  error
	)
	if id := stringField(req, "id"); id != "" {
		conv, err = h.app.Messenger.SelectConversationByID(ctx, id)
	} else if v, ok := req.GetFields()["index"]; ok {
		conv, err = h.app.Messenger.SelectConversation(ctx, int(v.GetNumberValue()))
	} else {
		return nil, status.Error(codes.InvalidArgument, "id or index is required")
	}
	if err != nil && conv == nil {
		return nil, toStatus(err)
	}
	return h.conversationReply(conv, err)
}

func (h *Handler) CreateDM(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identifier, err := requireString(req, "identifier")
	if err != nil {
		return nil, err
	}
	conv, err := h.app.Messenger.CreateDM(ctx, identifier)
	if err != nil && conv == nil {
		return nil, toStatus(err)
	}
	return h.conversationReply(conv, err)
}

func (h *Handler) CreateRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identifiers := stringList(req, "identifiers")
	if len(identifiers) == 0 {
		return nil, status.Error(codes.InvalidArgument, "identifiers is required")
	}
	conv, err := h.app.Messenger.CreateRoom(ctx, identifiers, stringField(req, "name"))
	if err != nil && conv == nil {
		return nil, toStatus(err)
	}
	return h.conversationReply(conv, err)
}

func (h *Handler) RenameConversation(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := h.conversationID(req)
	if err != nil {
		return nil, err
	}
	if err := h.app.Messenger.RenameConversation(ctx, id, stringField(req, "name")); err != nil {
		return nil, toStatus(err)
	}
	return success()
}

func (h *Handler) BlockRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := h.conversationID(req)
	if err != nil {
		return nil, err
	}
	if err := h.app.Messenger.BlockRoom(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return success()
}

func (h *Handler) UnblockRoom(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, err := h.conversationID(req)
	if err != nil {
		return nil, err
	}
	if err := h.app.Messenger.UnblockRoom(ctx, id); err != nil {
		return nil, toStatus(err)
	}
	return success()
}

func (h *Handler) AddMember(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	identifier, err := requireString(req, "identifier")
	if err != nil {
		return nil, err
	}
	if err := h.app.Messenger.AddMember(ctx, identifier); err != nil {
		return nil, toStatus(err)
	}
	return h.conversationReply(h.app.Messenger.Current(), nil)
}

func (h *Handler) GetMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if boolField(req, "reload") {
		if err := h.app.Messenger.LoadMessages(ctx); err != nil {
			return nil, toStatus(err)
		}
	}
	cur := h.app.Messenger.Current()
	if cur == nil {
		return nil, toStatus(service.ErrNoConversation)
	}
	msgs := h.app.Messenger.Messages()
	if limit := int(numberField(req, "limit")); limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return reply(map[string]interface{}{
		"conversation_id": cur.ID,
		"messages":        h.app.MessagesView(msgs),
	})
}

func (h *Handler) SearchMessages(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	query, err := requireString(req, "query")
	if err != nil {
		return nil, err
	}
	found, err := h.app.SearchMessages(ctx, query, int(numberField(req, "limit")))
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{"messages": h.app.MessagesView(found)})
}

func (h *Handler) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	text, err := requireString(req, "text")
	if err != nil {
		return nil, err
	}
	msg, err := h.app.Messenger.SendMessage(ctx, text)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{"message": h.app.MessageView(msg)})
}

func (h *Handler) SendAttachment(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	name, err := requireString(req, "file_name")
	if err != nil {
		return nil, err
	}
	data, err := base64.StdEncoding.DecodeString(stringField(req, "data"))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "data must be base64: %v", err)
	}
	msg, err := h.app.Messenger.SendAttachment(ctx, name, stringField(req, "file_type"), data)
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(map[string]interface{}{"message": h.app.MessageView(msg)})
}

func (h *Handler) SetForeground(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	h.app.Messenger.SetForeground(boolField(req, "foreground"))
	return success()
}

func (h *Handler) StartCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	kind, ok := domain.ParseMediaKind(stringField(req, "media"))
	if !ok {
		return nil, status.Errorf(codes.InvalidArgument, "unknown media %q", stringField(req, "media"))
	}
	if err := h.app.StartCall(ctx, kind); err != nil {
		return nil, toStatus(err)
	}
	return reply(app.CallStateView(h.app.Calls.State()))
}

func (h *Handler) AcceptCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.app.Calls.Accept(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(app.CallStateView(h.app.Calls.State()))
}

func (h *Handler) DeclineCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.app.Calls.Decline(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(app.CallStateView(h.app.Calls.State()))
}

func (h *Handler) EndCall(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.app.Calls.End(ctx); err != nil {
		return nil, toStatus(err)
	}
	return reply(app.CallStateView(h.app.Calls.State()))
}

func (h *Handler) GetCallState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return reply(app.CallStateView(h.app.Calls.State()))
}

func (h *Handler) StartBroadcast(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.app.StartBroadcast(ctx); err != nil {
		return nil, toStatus(err)
	}
	return h.GetBroadcastState(ctx, req)
}

func (h *Handler) StopBroadcast(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if err := h.app.StopBroadcast(ctx); err != nil {
		return nil, toStatus(err)
	}
	return h.GetBroadcastState(ctx, req)
}

func (h *Handler) GetBroadcastState(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	st, err := h.app.BroadcastState()
	if err != nil {
		return nil, toStatus(err)
	}
	return reply(app.BroadcastStateView(st))
}

func (h *Handler) Connect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := p.Connect(ctx); err != nil {
		return failure(err)
	}
	return success()
}

func (h *Handler) Disconnect(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, toStatus(err)
	}
	p.Disconnect()
	return success()
}

func (h *Handler) Logout(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, toStatus(err)
	}
	if err := p.Logout(ctx); err != nil {
		return failure(err)
	}
	return success()
}

func (h *Handler) PairWithCode(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	p, err := h.app.Pairing()
	if err != nil {
		return nil, toStatus(err)
	}
	phone, err := requireString(req, "phone_number")
	if err != nil {
		return nil, err
	}
	code, err := p.PairWithCode(ctx, phone)
	if err != nil {
		return failure(err)
	}
	return reply(map[string]interface{}{"pairing_code": code})
}

func (h *Handler) GetPairingQR(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	p, err := h.app.Pairing()
	if err != nil {
		return toStatus(err)
	}
	qrChan, err := p.GetQRChannel(stream.Context())
	if err != nil {
		return status.Errorf(codes.FailedPrecondition, "failed to get QR channel: %v", err)
	}

	// Connect after getting QR channel
	go func() {
		if err := p.Connect(stream.Context()); err != nil {
			h.log.Warn().Err(err).Msg("Connect during pairing failed")
		}
	}()

	for item := range qrChan {
		event := map[string]interface{}{"event": item.Event}
		switch item.Event {
		case "code":
			event["code"] = item.Code
		case "timeout", "success":
		default:
			if item.Error != nil {
				event["error"] = item.Error.Error()
			}
		}
		out, err := structpb.NewStruct(event)
		if err != nil {
			return status.Errorf(codes.Internal, "failed to encode pairing event: %v", err)
		}
		if err := stream.Send(out); err != nil {
			return err
		}
		if item.Event == "success" || item.Event == "timeout" {
			break
		}
	}
	return nil
}

func (h *Handler) StreamEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	eventTypes := make([]domain.EventType, 0)
	for _, t := range stringList(req, "event_types") {
		eventTypes = append(eventTypes, domain.EventType(t))
	}
	if len(eventTypes) == 0 {
		eventTypes = app.AllEventTypes
	}

	eventCh := h.app.Bus.Subscribe(eventTypes)
	defer h.app.Bus.Unsubscribe(eventCh)

	// The snapshot tells the client the subscription is live.
	snapshot, err := structpb.NewStruct(map[string]interface{}{
		"type": "snapshot",
		"data": h.app.StatusView(),
	})
	if err != nil {
		return status.Errorf(codes.Internal, "failed to encode snapshot: %v", err)
	}
	if err := stream.Send(snapshot); err != nil {
		return err
	}

	for {
		select {
		case <-stream.Context().Done():
			return nil
		case event, ok := <-eventCh:
			if !ok {
				return nil
			}
			out, err := structpb.NewStruct(h.app.EventView(event))
			if err != nil {
				h.log.Warn().Err(err).Str("event", string(event.Type())).Msg("Failed to encode event")
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) conversationID(req *structpb.Struct) (string, error) {
	if id := stringField(req, "id"); id != "" {
		return id, nil
	}
	if cur := h.app.Messenger.Current(); cur != nil {
		return cur.ID, nil
	}
	return "", toStatus(service.ErrNoConversation)
}

// conversationReply returns the selected conversation. A history load failure
// after selection is reported in the reply instead of failing the call.
func (h *Handler) conversationReply(conv *domain.Conversation, loadErr error) (*structpb.Struct, error) {
	out := map[string]interface{}{"conversation": h.app.ConversationView(conv)}
	if loadErr != nil {
		out["warning"] = loadErr.Error()
	}
	return reply(out)
}

func reply(m map[string]interface{}) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode response: %v", err)
	}
	return out, nil
}

func success() (*structpb.Struct, error) {
	return reply(map[string]interface{}{"success": true})
}

// failure reports a backend failure in the reply body, the way the pairing
// calls always have.
func failure(err error) (*structpb.Struct, error) {
	return reply(map[string]interface{}{"success": false, "error_message": err.Error()})
}

func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, messaging.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, service.ErrIndexOutOfRange),
		errors.Is(err, service.ErrUnresolvableIdentity):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, service.ErrNoConversation),
		errors.Is(err, call.ErrCallInProgress),
		errors.Is(err, call.ErrNoPendingCall),
		errors.Is(err, broadcast.ErrFloorTaken),
		errors.Is(err, broadcast.ErrNotBroadcasting),
		errors.Is(err, app.ErrNotDM),
		errors.Is(err, app.ErrNotRoom),
		errors.Is(err, app.ErrNoPairing),
		errors.Is(err, app.ErrNoArchive):
		return status.Error(codes.FailedPrecondition, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

func stringField(req *structpb.Struct, key string) string {
	return strings.TrimSpace(req.GetFields()[key].GetStringValue())
}

func requireString(req *structpb.Struct, key string) (string, error) {
	v := stringField(req, key)
	if v == "" {
		return "", status.Errorf(codes.InvalidArgument, "%s is required", key)
	}
	return v, nil
}

func boolField(req *structpb.Struct, key string) bool {
	return req.GetFields()[key].GetBoolValue()
}

func numberField(req *structpb.Struct, key string) float64 {
	return req.GetFields()[key].GetNumberValue()
}

func stringList(req *structpb.Struct, key string) []string {
	var out []string
	for _, v := range req.GetFields()[key].GetListValue().GetValues() {
		if s := strings.TrimSpace(v.GetStringValue()); s != "" {
			out = append(out, s)
		}
	}
	return out
}
