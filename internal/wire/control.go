package wire

import (
	"encoding/json"
	"fmt"
)

// ControlLayerVersion is the control-layer protocol version this client
// speaks.
const ControlLayerVersion = 1

// ControlType names the "TYPE" element of every control message array.
type ControlType string

const (
	TypeSubscribeRequest     ControlType = "SubscribeRequest"
	TypeUnsubscribeRequest   ControlType = "UnsubscribeRequest"
	TypeResendLastRequest    ControlType = "ResendLastRequest"
	TypeResendFromRequest    ControlType = "ResendFromRequest"
	TypeResendRangeRequest   ControlType = "ResendRangeRequest"
	TypePublishRequest       ControlType = "PublishRequest"
	TypeBroadcastMessage     ControlType = "BroadcastMessage"
	TypeUnicastMessage       ControlType = "UnicastMessage"
	TypeSubscribeResponse    ControlType = "SubscribeResponse"
	TypeUnsubscribeResponse  ControlType = "UnsubscribeResponse"
	TypeResendResponseResending ControlType = "ResendResponseResending"
	TypeResendResponseNoResend  ControlType = "ResendResponseNoResend"
	TypeResendResponseResent    ControlType = "ResendResponseResent"
	TypeErrorResponse        ControlType = "ErrorResponse"
)

// SubscribeRequest (C->S).
type SubscribeRequest struct {
	RequestID      string
	StreamID       string
	StreamPartition int
	SessionToken   string
}

func (r *SubscribeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, TypeSubscribeRequest, r.RequestID, r.StreamID, r.StreamPartition, r.SessionToken})
}

func (r *SubscribeRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("wire: SubscribeRequest array too short")
	}
	return decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition, &r.SessionToken)
}

// UnsubscribeRequest (C->S).
type UnsubscribeRequest struct {
	RequestID       string
	StreamID        string
	StreamPartition int
}

func (r *UnsubscribeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, TypeUnsubscribeRequest, r.RequestID, r.StreamID, r.StreamPartition})
}

func (r *UnsubscribeRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition)
}

// ResendLastRequest (C->S).
type ResendLastRequest struct {
	RequestID       string
	StreamID        string
	StreamPartition int
	SubID           string
	NumberLast      int
	SessionToken    string
}

func (r *ResendLastRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, TypeResendLastRequest, r.RequestID, r.StreamID, r.StreamPartition, r.SubID, r.NumberLast, r.SessionToken})
}

func (r *ResendLastRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition, &r.SubID, &r.NumberLast, &r.SessionToken)
}

// ResendFromRequest (C->S).
type ResendFromRequest struct {
	RequestID       string
	StreamID        string
	StreamPartition int
	SubID           string
	FromMsgRef      MessageRef
	PublisherID     string
	SessionToken    string
}

func (r *ResendFromRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		ControlLayerVersion, TypeResendFromRequest, r.RequestID, r.StreamID, r.StreamPartition, r.SubID,
		[2]any{r.FromMsgRef.Timestamp, r.FromMsgRef.SequenceNumber}, r.PublisherID, r.SessionToken,
	})
}

func (r *ResendFromRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 9 {
		return fmt.Errorf("wire: ResendFromRequest array too short")
	}
	if err := decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition, &r.SubID); err != nil {
		return err
	}
	if err := decodeMsgRef(raw[6], &r.FromMsgRef); err != nil {
		return err
	}
	return decodeFields(raw, 7, &r.PublisherID, &r.SessionToken)
}

// ResendRangeRequest (C->S).
type ResendRangeRequest struct {
	RequestID       string
	StreamID        string
	StreamPartition int
	SubID           string
	FromMsgRef      MessageRef
	ToMsgRef        MessageRef
	PublisherID     string
	MsgChainID      string
	SessionToken    string
}

func (r *ResendRangeRequest) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{
		ControlLayerVersion, TypeResendRangeRequest, r.RequestID, r.StreamID, r.StreamPartition, r.SubID,
		[2]any{r.FromMsgRef.Timestamp, r.FromMsgRef.SequenceNumber},
		[2]any{r.ToMsgRef.Timestamp, r.ToMsgRef.SequenceNumber},
		r.PublisherID, r.MsgChainID, r.SessionToken,
	})
}

func (r *ResendRangeRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 11 {
		return fmt.Errorf("wire: ResendRangeRequest array too short")
	}
	if err := decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition, &r.SubID); err != nil {
		return err
	}
	if err := decodeMsgRef(raw[6], &r.FromMsgRef); err != nil {
		return err
	}
	if err := decodeMsgRef(raw[7], &r.ToMsgRef); err != nil {
		return err
	}
	return decodeFields(raw, 8, &r.PublisherID, &r.MsgChainID, &r.SessionToken)
}

// PublishRequest (C->S).
type PublishRequest struct {
	RequestID     string
	StreamMessage *StreamMessage
	SessionToken  string
}

func (r *PublishRequest) MarshalJSON() ([]byte, error) {
	smJSON, err := json.Marshal(r.StreamMessage)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{ControlLayerVersion, TypePublishRequest, r.RequestID, json.RawMessage(smJSON), r.SessionToken})
}

func (r *PublishRequest) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("wire: PublishRequest array too short")
	}
	if err := json.Unmarshal(raw[2], &r.RequestID); err != nil {
		return err
	}
	r.StreamMessage = &StreamMessage{}
	if err := json.Unmarshal(raw[3], r.StreamMessage); err != nil {
		return err
	}
	return json.Unmarshal(raw[4], &r.SessionToken)
}

// BroadcastMessage (S->C): real-time fan-out, one per subscribed stream.
type BroadcastMessage struct {
	RequestID     string
	StreamMessage *StreamMessage
}

func (r *BroadcastMessage) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 4 {
		return fmt.Errorf("wire: BroadcastMessage array too short")
	}
	if err := json.Unmarshal(raw[2], &r.RequestID); err != nil {
		return err
	}
	r.StreamMessage = &StreamMessage{}
	return json.Unmarshal(raw[3], r.StreamMessage)
}

func (r *BroadcastMessage) MarshalJSON() ([]byte, error) {
	smJSON, err := json.Marshal(r.StreamMessage)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{ControlLayerVersion, TypeBroadcastMessage, r.RequestID, json.RawMessage(smJSON)})
}

// UnicastMessage (S->C): a resend result tied to a specific subscription.
type UnicastMessage struct {
	SubID         string
	StreamMessage *StreamMessage
}

func (r *UnicastMessage) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 4 {
		return fmt.Errorf("wire: UnicastMessage array too short")
	}
	if err := json.Unmarshal(raw[2], &r.SubID); err != nil {
		return err
	}
	r.StreamMessage = &StreamMessage{}
	return json.Unmarshal(raw[3], r.StreamMessage)
}

func (r *UnicastMessage) MarshalJSON() ([]byte, error) {
	smJSON, err := json.Marshal(r.StreamMessage)
	if err != nil {
		return nil, err
	}
	return json.Marshal([]any{ControlLayerVersion, TypeUnicastMessage, r.SubID, json.RawMessage(smJSON)})
}

// SubscribeResponse / UnsubscribeResponse (S->C).
type SubscribeResponse struct {
	RequestID       string
	StreamID        string
	StreamPartition int
}

func (r *SubscribeResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition)
}

func (r *SubscribeResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, TypeSubscribeResponse, r.RequestID, r.StreamID, r.StreamPartition})
}

type UnsubscribeResponse struct {
	RequestID       string
	StreamID        string
	StreamPartition int
}

func (r *UnsubscribeResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return decodeFields(raw, 2, &r.RequestID, &r.StreamID, &r.StreamPartition)
}

func (r *UnsubscribeResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, TypeUnsubscribeResponse, r.RequestID, r.StreamID, r.StreamPartition})
}

// ResendResponseResending / NoResend / Resent (S->C) share the same shape.
type ResendResponse struct {
	Kind            ControlType
	SubID           string
	StreamID        string
	StreamPartition int
}

func (r *ResendResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) < 5 {
		return fmt.Errorf("wire: ResendResponse array too short")
	}
	var kind ControlType
	if err := json.Unmarshal(raw[1], &kind); err != nil {
		return err
	}
	r.Kind = kind
	return decodeFields(raw, 2, &r.SubID, &r.StreamID, &r.StreamPartition)
}

func (r *ResendResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, r.Kind, r.SubID, r.StreamID, r.StreamPartition})
}

// ErrorResponse (S->C).
type ErrorResponse struct {
	RequestID    string
	ErrorMessage string
	ErrorCode    string
}

func (r *ErrorResponse) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	return decodeFields(raw, 2, &r.RequestID, &r.ErrorMessage, &r.ErrorCode)
}

func (r *ErrorResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{ControlLayerVersion, TypeErrorResponse, r.RequestID, r.ErrorMessage, r.ErrorCode})
}

// decodeFields unmarshals raw[start:] into dsts in order. It tolerates raw
// being longer than len(dsts) (trailing fields the caller doesn't need).
func decodeFields(raw []json.RawMessage, start int, dsts ...any) error {
	for i, dst := range dsts {
		idx := start + i
		if idx >= len(raw) {
			return fmt.Errorf("wire: array too short for field %d", idx)
		}
		if err := json.Unmarshal(raw[idx], dst); err != nil {
			return fmt.Errorf("wire: decode field %d: %w", idx, err)
		}
	}
	return nil
}

func decodeMsgRef(raw json.RawMessage, dst *MessageRef) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(raw, &pair); err != nil {
		return fmt.Errorf("wire: decode MessageRef: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("wire: MessageRef array has %d elements, want 2", len(pair))
	}
	if err := json.Unmarshal(pair[0], &dst.Timestamp); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &dst.SequenceNumber)
}

// PeekType extracts the TYPE element (index 1) from a raw control-message
// array without fully decoding it, so Decode can dispatch to the right
// concrete type.
func PeekType(data []byte) (ControlType, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", fmt.Errorf("wire: decode control message array: %w", err)
	}
	if len(raw) < 2 {
		return "", fmt.Errorf("wire: control message array too short")
	}
	var t ControlType
	if err := json.Unmarshal(raw[1], &t); err != nil {
		return "", fmt.Errorf("wire: decode control message type: %w", err)
	}
	return t, nil
}

// Decode dispatches data to the concrete control-message type its TYPE
// element names, returning it as `any`. Callers type-switch on the result.
func Decode(data []byte) (any, error) {
	t, err := PeekType(data)
	if err != nil {
		return nil, err
	}
	var msg any
	switch t {
	case TypeSubscribeRequest:
		msg = &SubscribeRequest{}
	case TypeUnsubscribeRequest:
		msg = &UnsubscribeRequest{}
	case TypeResendLastRequest:
		msg = &ResendLastRequest{}
	case TypeResendFromRequest:
		msg = &ResendFromRequest{}
	case TypeResendRangeRequest:
		msg = &ResendRangeRequest{}
	case TypePublishRequest:
		msg = &PublishRequest{}
	case TypeBroadcastMessage:
		msg = &BroadcastMessage{}
	case TypeUnicastMessage:
		msg = &UnicastMessage{}
	case TypeSubscribeResponse:
		msg = &SubscribeResponse{}
	case TypeUnsubscribeResponse:
		msg = &UnsubscribeResponse{}
	case TypeResendResponseResending, TypeResendResponseNoResend, TypeResendResponseResent:
		msg = &ResendResponse{}
	case TypeErrorResponse:
		msg = &ErrorResponse{}
	default:
		return nil, fmt.Errorf("wire: unknown control message type %q", t)
	}

	um, ok := msg.(json.Unmarshaler)
	if !ok {
		return nil, fmt.Errorf("wire: type %q is not an Unmarshaler", t)
	}
	if err := um.UnmarshalJSON(data); err != nil {
		return nil, err
	}
	return msg, nil
}
