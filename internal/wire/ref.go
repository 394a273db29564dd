// Package wire implements the data model and on-the-wire codec the edge
// node speaks: MessageRef ordering, the StreamMessage frame, and the
// positional-array control-message layout. The protocol encodes every
// control message as a heterogeneous [version, TYPE, ...] JSON array, and the
// StreamMessage frame as a positional array too, rather than an object, so
// each type carries custom MarshalJSON/UnmarshalJSON.
package wire

import "fmt"

// MessageRef totally orders messages within a (publisherId, msgChainId)
// chain: lexicographic on (Timestamp, SequenceNumber).
type MessageRef struct {
	Timestamp      uint64 `json:"timestamp"`
	SequenceNumber uint32 `json:"sequenceNumber"`
}

// Compare returns -1, 0, or 1 as ref is less than, equal to, or greater than
// other.
func (ref MessageRef) Compare(other MessageRef) int {
	switch {
	case ref.Timestamp < other.Timestamp:
		return -1
	case ref.Timestamp > other.Timestamp:
		return 1
	case ref.SequenceNumber < other.SequenceNumber:
		return -1
	case ref.SequenceNumber > other.SequenceNumber:
		return 1
	default:
		return 0
	}
}

// Less reports whether ref sorts strictly before other.
func (ref MessageRef) Less(other MessageRef) bool { return ref.Compare(other) < 0 }

// String renders "(timestamp,sequenceNumber)" for logging.
func (ref MessageRef) String() string {
	return fmt.Sprintf("(%d,%d)", ref.Timestamp, ref.SequenceNumber)
}

// Next returns the MessageRef immediately following ref within the same
// timestamp, used by OrderedMsgChain to compute a gap's "from" bound.
func (ref MessageRef) Next() MessageRef {
	return MessageRef{Timestamp: ref.Timestamp, SequenceNumber: ref.SequenceNumber + 1}
}

// ContentType enumerates StreamMessage.contentType.
type ContentType int

const (
	ContentTypeJSON ContentType = iota
	ContentTypeGroupKeyRequest
	ContentTypeGroupKeyResponse
	ContentTypeGroupKeyAnnounce
	ContentTypeGroupKeyErrorResponse
)

// EncryptionType enumerates StreamMessage.encryptionType.
type EncryptionType int

const (
	EncryptionNone EncryptionType = iota
	EncryptionAES
	EncryptionNewKeyAndAES
)

// SignatureType enumerates StreamMessage.signatureType.
type SignatureType int

const (
	SignatureNone SignatureType = iota
	SignatureETH
)

// SignaturePolicy controls when a Publisher signs outgoing messages or a
// Subscriber demands a verified signature on inbound ones.
type SignaturePolicy int

const (
	SignaturePolicyAuto SignaturePolicy = iota
	SignaturePolicyAlways
	SignaturePolicyNever
)

// StreamMessage is the message-layer frame carried inside publish,
// broadcast and unicast control messages.
type StreamMessage struct {
	StreamID       string
	Partition      int
	Timestamp      uint64
	SequenceNumber uint32
	PublisherID    string
	MsgChainID     string
	PrevMsgRef     *MessageRef

	ContentType    ContentType
	EncryptionType EncryptionType
	GroupKeyID     string // present when EncryptionType != EncryptionNone
	Content        []byte // opaque: encrypted or plaintext JSON

	NewGroupKey []byte // present only when EncryptionType == EncryptionNewKeyAndAES

	SignatureType SignatureType
	Signature     string // hex, present when SignatureType != SignatureNone
}

// Ref returns the MessageRef identifying this message within its chain.
func (m *StreamMessage) Ref() MessageRef {
	return MessageRef{Timestamp: m.Timestamp, SequenceNumber: m.SequenceNumber}
}

// ChainKey identifies the (publisherId, msgChainId) chain this message
// belongs to.
type ChainKey struct {
	PublisherID string
	MsgChainID  string
}
