package wire

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MessageLayerVersion is the message-layer protocol version this client
// speaks.
const MessageLayerVersion = 31

// messageTypeStreamMessage is the sole message-layer MESSAGE type this
// client emits/consumes; the wire array reserves a slot for it even though
// there is only one variant.
const messageTypeStreamMessage = 27

// MarshalJSON encodes m as the positional frame array:
//
//	[version, [streamId, partition, ts, seq, publisherId, msgChainId],
//	 prevMsgRef|null, messageType, contentType, encryptionType, groupKeyId,
//	 content, newGroupKey?, signatureType, signature]
func (m *StreamMessage) MarshalJSON() ([]byte, error) {
	identity := []any{
		m.StreamID, m.Partition, m.Timestamp, m.SequenceNumber, m.PublisherID, m.MsgChainID,
	}

	var prev any
	if m.PrevMsgRef != nil {
		prev = [2]any{m.PrevMsgRef.Timestamp, m.PrevMsgRef.SequenceNumber}
	}

	content := m.Content
	if content == nil {
		content = []byte{}
	}

	arr := []any{
		MessageLayerVersion,
		identity,
		prev,
		messageTypeStreamMessage,
		int(m.ContentType),
		int(m.EncryptionType),
		m.GroupKeyID,
		string(content),
	}
	if m.EncryptionType == EncryptionNewKeyAndAES {
		arr = append(arr, hex.EncodeToString(m.NewGroupKey))
	} else {
		arr = append(arr, nil)
	}
	arr = append(arr, int(m.SignatureType), m.Signature)

	return json.Marshal(arr)
}

// UnmarshalJSON decodes the positional array layout back into m.
func (m *StreamMessage) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("wire: decode streammessage array: %w", err)
	}
	if len(raw) < 11 {
		return fmt.Errorf("wire: streammessage array has %d elements, want >= 11", len(raw))
	}

	var identity []json.RawMessage
	if err := json.Unmarshal(raw[1], &identity); err != nil {
		return fmt.Errorf("wire: decode identity tuple: %w", err)
	}
	if len(identity) != 6 {
		return fmt.Errorf("wire: identity tuple has %d elements, want 6", len(identity))
	}
	if err := json.Unmarshal(identity[0], &m.StreamID); err != nil {
		return err
	}
	if err := json.Unmarshal(identity[1], &m.Partition); err != nil {
		return err
	}
	if err := json.Unmarshal(identity[2], &m.Timestamp); err != nil {
		return err
	}
	if err := json.Unmarshal(identity[3], &m.SequenceNumber); err != nil {
		return err
	}
	if err := json.Unmarshal(identity[4], &m.PublisherID); err != nil {
		return err
	}
	if err := json.Unmarshal(identity[5], &m.MsgChainID); err != nil {
		return err
	}

	var prevRaw []json.RawMessage
	if string(raw[2]) != "null" {
		if err := json.Unmarshal(raw[2], &prevRaw); err != nil {
			return fmt.Errorf("wire: decode prevMsgRef: %w", err)
		}
		if len(prevRaw) != 2 {
			return fmt.Errorf("wire: prevMsgRef has %d elements, want 2", len(prevRaw))
		}
		var ref MessageRef
		if err := json.Unmarshal(prevRaw[0], &ref.Timestamp); err != nil {
			return err
		}
		if err := json.Unmarshal(prevRaw[1], &ref.SequenceNumber); err != nil {
			return err
		}
		m.PrevMsgRef = &ref
	} else {
		m.PrevMsgRef = nil
	}

	var contentType, encryptionType, signatureType int
	if err := json.Unmarshal(raw[4], &contentType); err != nil {
		return err
	}
	if err := json.Unmarshal(raw[5], &encryptionType); err != nil {
		return err
	}
	m.ContentType = ContentType(contentType)
	m.EncryptionType = EncryptionType(encryptionType)

	if err := json.Unmarshal(raw[6], &m.GroupKeyID); err != nil {
		return err
	}

	var content string
	if err := json.Unmarshal(raw[7], &content); err != nil {
		return err
	}
	m.Content = []byte(content)

	if string(raw[8]) != "null" {
		var newKeyHex string
		if err := json.Unmarshal(raw[8], &newKeyHex); err != nil {
			return fmt.Errorf("wire: decode newGroupKey: %w", err)
		}
		key, err := hex.DecodeString(newKeyHex)
		if err != nil {
			return fmt.Errorf("wire: decode newGroupKey hex: %w", err)
		}
		m.NewGroupKey = key
	}

	if err := json.Unmarshal(raw[9], &signatureType); err != nil {
		return err
	}
	m.SignatureType = SignatureType(signatureType)

	return json.Unmarshal(raw[10], &m.Signature)
}
