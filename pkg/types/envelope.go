package types

import (
	"encoding/json"
	"fmt"
)

// Action names accepted on the socket.
const (
	ActionConnect           = "connect"
	ActionSendMessage       = "sendMessage"
	ActionSetReady          = "setReady"
	ActionStartConversation = "startConversation"
	ActionEndConversation   = "endConversation"
	ActionGetCurrentState   = "getCurrentState"
	ActionFetchChatHistory  = "fetchChatHistory"
)

// Envelope is the wire frame sent by clients.
type Envelope struct {
	Action string          `json:"action"`
	Data   json.RawMessage `json:"data,omitempty"`
	Token  string          `json:"token,omitempty"`
}

// Request is one decoded inbound action with its typed payload.
// ARCHITECTURAL DISCOVERY: Each action owns its payload struct so handlers never
// look fields up by name
type Request interface {
	Action() string
	Validate() error
}

type ConnectRequest struct{}

type SendMessageRequest struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	SentAt    string `json:"sentAt"`
}

type SetReadyRequest struct {
	ChatID string `json:"chatId"`
	UserID string `json:"userId"`
}

type StartConversationRequest struct {
	UserID string `json:"userId"`
}

type EndConversationRequest struct {
	UserID    string `json:"userId"`
	ChatID    string `json:"chatId"`
	EndReason string `json:"endReason"`
}

type GetCurrentStateRequest struct {
	UserID string `json:"userId"`
}

type FetchChatHistoryRequest struct {
	ChatID           string `json:"chatId"`
	Limit            int    `json:"limit"`
	LastEvaluatedKey string `json:"lastEvaluatedKey,omitempty"`
}

func (ConnectRequest) Action() string           { return ActionConnect }
func (SendMessageRequest) Action() string       { return ActionSendMessage }
func (SetReadyRequest) Action() string          { return ActionSetReady }
func (StartConversationRequest) Action() string { return ActionStartConversation }
func (EndConversationRequest) Action() string   { return ActionEndConversation }
func (GetCurrentStateRequest) Action() string   { return ActionGetCurrentState }
func (FetchChatHistoryRequest) Action() string  { return ActionFetchChatHistory }

// ParseRequest decodes an envelope into its typed request and validates it.
func ParseRequest(env *Envelope) (Request, error) {
	if env == nil || env.Action == "" {
		return nil, ErrMissingAction
	}

	var req Request
	switch env.Action {
	case ActionConnect:
		return ConnectRequest{}, nil
	case ActionSendMessage:
		req = &SendMessageRequest{}
	case ActionSetReady:
		req = &SetReadyRequest{}
	case ActionStartConversation:
		req = &StartConversationRequest{}
	case ActionEndConversation:
		req = &EndConversationRequest{}
	case ActionGetCurrentState:
		req = &GetCurrentStateRequest{}
	case ActionFetchChatHistory:
		req = &FetchChatHistoryRequest{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, env.Action)
	}

	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, ErrMissingData
	}
	if err := json.Unmarshal(env.Data, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedData, err)
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// NewEnvelope marshals a typed request into a frame ready for the socket.
func NewEnvelope(req Request, token string) (*Envelope, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", req.Action(), err)
	}
	return &Envelope{Action: req.Action(), Data: data, Token: token}, nil
}
