package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRefOrdering(t *testing.T) {
	a := MessageRef{Timestamp: 100, SequenceNumber: 0}
	b := MessageRef{Timestamp: 100, SequenceNumber: 1}
	c := MessageRef{Timestamp: 101, SequenceNumber: 0}

	require.True(t, a.Less(b))
	require.True(t, b.Less(c))
	require.False(t, c.Less(a))
	require.Equal(t, 0, a.Compare(a))
	require.Equal(t, MessageRef{Timestamp: 100, SequenceNumber: 1}, a.Next())
}

func TestStreamMessageRoundTrip(t *testing.T) {
	prev := MessageRef{Timestamp: 100, SequenceNumber: 0}
	msg := &StreamMessage{
		StreamID:       "stream-1",
		Partition:      0,
		Timestamp:      100,
		SequenceNumber: 1,
		PublisherID:    "0xabc",
		MsgChainID:     "chain-1",
		PrevMsgRef:     &prev,
		ContentType:    ContentTypeJSON,
		EncryptionType: EncryptionNone,
		Content:        []byte(`{"a":1}`),
		SignatureType:  SignatureETH,
		Signature:      "deadbeef",
	}

	data, err := msg.MarshalJSON()
	require.NoError(t, err)

	var decoded StreamMessage
	require.NoError(t, decoded.UnmarshalJSON(data))

	require.Equal(t, msg.StreamID, decoded.StreamID)
	require.Equal(t, msg.Timestamp, decoded.Timestamp)
	require.Equal(t, msg.SequenceNumber, decoded.SequenceNumber)
	require.Equal(t, *msg.PrevMsgRef, *decoded.PrevMsgRef)
	require.Equal(t, msg.Content, decoded.Content)
	require.Equal(t, msg.Signature, decoded.Signature)
}

func TestStreamMessageNilPrevMsgRef(t *testing.T) {
	msg := &StreamMessage{StreamID: "s", PublisherID: "p", MsgChainID: "c", Content: []byte("{}")}
	data, err := msg.MarshalJSON()
	require.NoError(t, err)

	var decoded StreamMessage
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Nil(t, decoded.PrevMsgRef)
}

func TestStreamMessageEncryptionKeyRotation(t *testing.T) {
	newKey := []byte("0123456789abcdef0123456789abcdef")
	msg := &StreamMessage{
		StreamID: "s", PublisherID: "p", MsgChainID: "c",
		EncryptionType: EncryptionNewKeyAndAES,
		GroupKeyID:     "key-2",
		Content:        []byte("ciphertext"),
		NewGroupKey:    newKey,
	}
	data, err := msg.MarshalJSON()
	require.NoError(t, err)

	var decoded StreamMessage
	require.NoError(t, decoded.UnmarshalJSON(data))
	require.Equal(t, newKey, decoded.NewGroupKey)
	require.Equal(t, EncryptionNewKeyAndAES, decoded.EncryptionType)
}

func TestControlMessageDispatch(t *testing.T) {
	req := &SubscribeRequest{RequestID: "r1", StreamID: "stream-1", StreamPartition: 0, SessionToken: "tok"}
	data, err := req.MarshalJSON()
	require.NoError(t, err)

	typ, err := PeekType(data)
	require.NoError(t, err)
	require.Equal(t, TypeSubscribeRequest, typ)

	decodedAny, err := Decode(data)
	require.NoError(t, err)
	decoded, ok := decodedAny.(*SubscribeRequest)
	require.True(t, ok)
	require.Equal(t, req.RequestID, decoded.RequestID)
	require.Equal(t, req.StreamID, decoded.StreamID)
	require.Equal(t, req.SessionToken, decoded.SessionToken)
}

func TestResendRangeRequestRoundTrip(t *testing.T) {
	req := &ResendRangeRequest{
		RequestID: "r2", StreamID: "s", StreamPartition: 0, SubID: "sub1",
		FromMsgRef: MessageRef{Timestamp: 2, SequenceNumber: 1},
		ToMsgRef:   MessageRef{Timestamp: 4, SequenceNumber: 9},
		PublisherID: "pub1", MsgChainID: "chain1", SessionToken: "tok",
	}
	data, err := req.MarshalJSON()
	require.NoError(t, err)

	decodedAny, err := Decode(data)
	require.NoError(t, err)
	decoded := decodedAny.(*ResendRangeRequest)
	require.Equal(t, req.FromMsgRef, decoded.FromMsgRef)
	require.Equal(t, req.ToMsgRef, decoded.ToMsgRef)
	require.Equal(t, req.MsgChainID, decoded.MsgChainID)
}

func TestBroadcastAndUnicastRoundTrip(t *testing.T) {
	sm := &StreamMessage{StreamID: "s", PublisherID: "p", MsgChainID: "c", Content: []byte("{}")}

	bc := &BroadcastMessage{RequestID: "req", StreamMessage: sm}
	data, err := bc.MarshalJSON()
	require.NoError(t, err)
	decodedAny, err := Decode(data)
	require.NoError(t, err)
	decodedBC := decodedAny.(*BroadcastMessage)
	require.Equal(t, sm.StreamID, decodedBC.StreamMessage.StreamID)

	uc := &UnicastMessage{SubID: "sub1", StreamMessage: sm}
	data, err = uc.MarshalJSON()
	require.NoError(t, err)
	decodedAny, err = Decode(data)
	require.NoError(t, err)
	decodedUC := decodedAny.(*UnicastMessage)
	require.Equal(t, "sub1", decodedUC.SubID)
}
