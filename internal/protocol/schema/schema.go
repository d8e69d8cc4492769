package schema

import (
	"fmt"

	"github.com/rs/zerolog/log"

	"nearshare/internal/protocol/tlv"
)

// Message type IDs carried in the first body byte of every frame.
const (
	MsgHandshakeInit      uint8 = 0x01
	MsgHandshakeInitReply uint8 = 0x02
	MsgHandshakeConfirm   uint8 = 0x03
	MsgHandshakeReject    uint8 = 0x04
	MsgHandshakeIdentity  uint8 = 0x05

	MsgEncrypted uint8 = 0x10

	MsgIntroduction uint8 = 0x20
	MsgAccept       uint8 = 0x21
	MsgReject       uint8 = 0x22
	MsgCancel       uint8 = 0x23
	MsgChunk        uint8 = 0x24
	MsgComplete     uint8 = 0x25
	MsgAbort        uint8 = 0x26
	MsgKeepAlive    uint8 = 0x27
)

// Field IDs.
const (
	FieldVersions  uint16 = 1
	FieldSuites    uint16 = 2
	FieldPublicKey uint16 = 3
	FieldDeviceID  uint16 = 4
	FieldRandom    uint16 = 5
	FieldVersion   uint16 = 6
	FieldSuite     uint16 = 7
	FieldMAC       uint16 = 8
	FieldReason    uint16 = 9
	FieldIdentity  uint16 = 10
	FieldSignature uint16 = 11

	FieldSeq        uint16 = 20
	FieldCiphertext uint16 = 21

	FieldDeviceName    uint16 = 30
	FieldDeviceType    uint16 = 31
	FieldTotalBytes    uint16 = 32
	FieldManifestEntry uint16 = 33

	FieldPayloadID uint16 = 40
	FieldKind      uint16 = 41
	FieldName      uint16 = 42
	FieldSize      uint16 = 43
	FieldMime      uint16 = 44
	FieldDigest    uint16 = 45
	FieldPreview   uint16 = 46
	FieldTextType  uint16 = 47

	FieldOffset uint16 = 50
	FieldData   uint16 = 51
	FieldCode   uint16 = 52
)

// Nested record names validated with ValidateRecord.
const (
	RecordManifestEntry = "manifest_entry"
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint8
	Record      string
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	scope := fmt.Sprintf("message_type=%#02x", e.MessageType)
	if e.Record != "" {
		scope = "record=" + e.Record
	}
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: %s: %s", scope, e.Reason)
	}
	return fmt.Sprintf("schema: %s field=%d: %s", scope, e.FieldID, e.Reason)
}

var requirements = map[uint8][]Requirement{
	MsgHandshakeInit: {
		{FieldVersions, tlv.TypeBytes},
		{FieldSuites, tlv.TypeString},
		{FieldPublicKey, tlv.TypeBytes},
		{FieldDeviceID, tlv.TypeBytes},
		{FieldIdentity, tlv.TypeBytes},
		{FieldRandom, tlv.TypeBytes},
	},
	MsgHandshakeInitReply: {
		{FieldVersion, tlv.TypeU32},
		{FieldSuite, tlv.TypeString},
		{FieldPublicKey, tlv.TypeBytes},
		{FieldDeviceID, tlv.TypeBytes},
		{FieldIdentity, tlv.TypeBytes},
		{FieldRandom, tlv.TypeBytes},
	},
	MsgHandshakeConfirm: {
		{FieldMAC, tlv.TypeBytes},
	},
	MsgHandshakeIdentity: {
		{FieldSignature, tlv.TypeBytes},
	},
	MsgHandshakeReject: {
		{FieldReason, tlv.TypeString},
	},
	MsgEncrypted: {
		{FieldSeq, tlv.TypeU64},
		{FieldCiphertext, tlv.TypeBytes},
	},
	MsgIntroduction: {
		{FieldDeviceName, tlv.TypeString},
		{FieldTotalBytes, tlv.TypeU64},
	},
	MsgAccept: {},
	MsgReject: {
		{FieldReason, tlv.TypeString},
	},
	MsgCancel: {
		{FieldReason, tlv.TypeString},
	},
	MsgChunk: {
		{FieldPayloadID, tlv.TypeU64},
		{FieldOffset, tlv.TypeU64},
		{FieldData, tlv.TypeBytes},
	},
	MsgComplete: {},
	MsgAbort: {
		{FieldCode, tlv.TypeU32},
		{FieldReason, tlv.TypeString},
	},
	MsgKeepAlive: {},
}

// Optional fields still have their type checked when present.
var optional = map[uint8][]Requirement{
	MsgIntroduction: {
		{FieldDeviceType, tlv.TypeString},
		{FieldManifestEntry, tlv.TypeBytes},
	},
}

var records = map[string][]Requirement{
	RecordManifestEntry: {
		{FieldPayloadID, tlv.TypeU64},
		{FieldKind, tlv.TypeU8},
		{FieldName, tlv.TypeString},
		{FieldSize, tlv.TypeU64},
	},
}

var recordOptional = map[string][]Requirement{
	RecordManifestEntry: {
		{FieldMime, tlv.TypeString},
		{FieldDigest, tlv.TypeBytes},
		{FieldPreview, tlv.TypeString},
		{FieldTextType, tlv.TypeU8},
	},
}

// Known reports whether messageType is part of the contract.
func Known(messageType uint8) bool {
	_, ok := requirements[messageType]
	return ok
}

// Validate enforces required fields and field types for a message type.
// Unknown fields are ignored for forward compatibility.
func Validate(messageType uint8, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint8("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	if err := check(fields, reqs, optional[messageType]); err != nil {
		err.MessageType = messageType
		log.Debug().Err(err).Msg("schema.Validate failed")
		return *err
	}
	return nil
}

// ValidateRecord validates a nested TLV record such as a manifest entry.
func ValidateRecord(name string, fields []tlv.Field) error {
	reqs, ok := records[name]
	if !ok {
		return ValidationError{Record: name, Reason: "unknown record"}
	}
	if err := check(fields, reqs, recordOptional[name]); err != nil {
		err.Record = name
		return *err
	}
	return nil
}

func check(fields []tlv.Field, reqs, opts []Requirement) *ValidationError {
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			return &ValidationError{FieldID: req.ID, Reason: "missing required field"}
		}
		if err := checkField(f, req.Type); err != nil {
			return err
		}
	}
	for _, opt := range opts {
		for _, f := range tlv.GetFields(fields, opt.ID) {
			if err := checkField(f, opt.Type); err != nil {
				return err
			}
		}
	}
	return nil
}

func checkField(f tlv.Field, want uint8) *ValidationError {
	if f.Type != want {
		return &ValidationError{FieldID: f.ID, Reason: fmt.Sprintf("type mismatch got=%d want=%d", f.Type, want)}
	}
	if n := tlv.FixedLen(want); n >= 0 && len(f.Value) != n {
		return &ValidationError{FieldID: f.ID, Reason: fmt.Sprintf("bad length %d", len(f.Value))}
	}
	return nil
}
