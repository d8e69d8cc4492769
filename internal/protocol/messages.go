package protocol

import (
	"fmt"
	"strings"

	"nearshare/internal/protocol/frame"
	"nearshare/internal/protocol/schema"
	"nearshare/internal/protocol/tlv"
)

// Message is implemented by every typed wire message.
type Message interface {
	Type() uint8
	fields() []tlv.Field
}

type HandshakeInit struct {
	Versions  []byte
	Suites    []string
	PublicKey []byte
	DeviceID  []byte
	Identity  []byte
	Random    []byte
}

type HandshakeInitReply struct {
	Version   uint32
	Suite     string
	PublicKey []byte
	DeviceID  []byte
	Identity  []byte
	Random    []byte
}

type HandshakeConfirm struct {
	MAC []byte
}

type HandshakeReject struct {
	Reason string
}

// HandshakeIdentity proves possession of the long-term key announced in
// the init or reply by signing the handshake transcript.
type HandshakeIdentity struct {
	Signature []byte
}

// Encrypted wraps the sealed body of an inner frame.
type Encrypted struct {
	Seq        uint64
	Ciphertext []byte
}

type Introduction struct {
	DeviceName string
	DeviceType string
	TotalBytes uint64
	Entries    []ManifestEntry
}

type ManifestEntry struct {
	PayloadID uint64
	Kind      PayloadKind
	Name      string
	Size      uint64
	Mime      string
	Digest    []byte
	Preview   string
	TextType  TextType
}

type Accept struct{}

type Reject struct {
	Reason string
}

type Cancel struct {
	Reason string
}

type Chunk struct {
	PayloadID uint64
	Offset    uint64
	Data      []byte
}

type Complete struct{}

type Abort struct {
	Code   AbortCode
	Reason string
}

type KeepAlive struct{}

func (HandshakeInit) Type() uint8      { return schema.MsgHandshakeInit }
func (HandshakeInitReply) Type() uint8 { return schema.MsgHandshakeInitReply }
func (HandshakeConfirm) Type() uint8   { return schema.MsgHandshakeConfirm }
func (HandshakeReject) Type() uint8    { return schema.MsgHandshakeReject }
func (HandshakeIdentity) Type() uint8  { return schema.MsgHandshakeIdentity }
func (Encrypted) Type() uint8          { return schema.MsgEncrypted }
func (Introduction) Type() uint8       { return schema.MsgIntroduction }
func (Accept) Type() uint8             { return schema.MsgAccept }
func (Reject) Type() uint8             { return schema.MsgReject }
func (Cancel) Type() uint8             { return schema.MsgCancel }
func (Chunk) Type() uint8              { return schema.MsgChunk }
func (Complete) Type() uint8           { return schema.MsgComplete }
func (Abort) Type() uint8              { return schema.MsgAbort }
func (KeepAlive) Type() uint8          { return schema.MsgKeepAlive }

func (m HandshakeInit) fields() []tlv.Field {
	return []tlv.Field{
		tlv.Bytes(schema.FieldVersions, m.Versions),
		tlv.String(schema.FieldSuites, strings.Join(m.Suites, ",")),
		tlv.Bytes(schema.FieldPublicKey, m.PublicKey),
		tlv.Bytes(schema.FieldDeviceID, m.DeviceID),
		tlv.Bytes(schema.FieldIdentity, m.Identity),
		tlv.Bytes(schema.FieldRandom, m.Random),
	}
}

func (m HandshakeInitReply) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldVersion, m.Version),
		tlv.String(schema.FieldSuite, m.Suite),
		tlv.Bytes(schema.FieldPublicKey, m.PublicKey),
		tlv.Bytes(schema.FieldDeviceID, m.DeviceID),
		tlv.Bytes(schema.FieldIdentity, m.Identity),
		tlv.Bytes(schema.FieldRandom, m.Random),
	}
}

func (m HandshakeConfirm) fields() []tlv.Field {
	return []tlv.Field{tlv.Bytes(schema.FieldMAC, m.MAC)}
}

func (m HandshakeReject) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldReason, m.Reason)}
}

func (m HandshakeIdentity) fields() []tlv.Field {
	return []tlv.Field{tlv.Bytes(schema.FieldSignature, m.Signature)}
}

func (m Encrypted) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldSeq, m.Seq),
		tlv.Bytes(schema.FieldCiphertext, m.Ciphertext),
	}
}

func (m Introduction) fields() []tlv.Field {
	out := []tlv.Field{
		tlv.String(schema.FieldDeviceName, m.DeviceName),
		tlv.String(schema.FieldDeviceType, m.DeviceType),
		tlv.U64(schema.FieldTotalBytes, m.TotalBytes),
	}
	for _, e := range m.Entries {
		out = append(out, tlv.Field{
			ID:    schema.FieldManifestEntry,
			Type:  tlv.TypeBytes,
			Value: tlv.EncodeFields(e.fields()),
		})
	}
	return out
}

func (e ManifestEntry) fields() []tlv.Field {
	out := []tlv.Field{
		tlv.U64(schema.FieldPayloadID, e.PayloadID),
		tlv.U8(schema.FieldKind, uint8(e.Kind)),
		tlv.String(schema.FieldName, e.Name),
		tlv.U64(schema.FieldSize, e.Size),
	}
	if e.Mime != "" {
		out = append(out, tlv.String(schema.FieldMime, e.Mime))
	}
	if len(e.Digest) > 0 {
		out = append(out, tlv.Bytes(schema.FieldDigest, e.Digest))
	}
	if e.Preview != "" {
		out = append(out, tlv.String(schema.FieldPreview, e.Preview))
	}
	if e.TextType != TextNone {
		out = append(out, tlv.U8(schema.FieldTextType, uint8(e.TextType)))
	}
	return out
}

func (Accept) fields() []tlv.Field { return nil }

func (m Reject) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldReason, m.Reason)}
}

func (m Cancel) fields() []tlv.Field {
	return []tlv.Field{tlv.String(schema.FieldReason, m.Reason)}
}

func (m Chunk) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U64(schema.FieldPayloadID, m.PayloadID),
		tlv.U64(schema.FieldOffset, m.Offset),
		tlv.Bytes(schema.FieldData, m.Data),
	}
}

func (Complete) fields() []tlv.Field { return nil }

func (m Abort) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldCode, uint32(m.Code)),
		tlv.String(schema.FieldReason, m.Reason),
	}
}

func (KeepAlive) fields() []tlv.Field { return nil }

// ToFrame converts a typed message into a wire frame.
func ToFrame(m Message) frame.Frame {
	return frame.Frame{Type: m.Type(), Fields: m.fields()}
}

// FromFrame converts a validated frame into its typed message.
func FromFrame(f frame.Frame) (Message, error) {
	d := decoder{f: f}
	var m Message
	switch f.Type {
	case schema.MsgHandshakeInit:
		suites := d.str(schema.FieldSuites)
		var list []string
		if suites != "" {
			list = strings.Split(suites, ",")
		}
		m = HandshakeInit{
			Versions:  d.bytes(schema.FieldVersions),
			Suites:    list,
			PublicKey: d.bytes(schema.FieldPublicKey),
			DeviceID:  d.bytes(schema.FieldDeviceID),
			Identity:  d.bytes(schema.FieldIdentity),
			Random:    d.bytes(schema.FieldRandom),
		}
	case schema.MsgHandshakeInitReply:
		m = HandshakeInitReply{
			Version:   d.u32(schema.FieldVersion),
			Suite:     d.str(schema.FieldSuite),
			PublicKey: d.bytes(schema.FieldPublicKey),
			DeviceID:  d.bytes(schema.FieldDeviceID),
			Identity:  d.bytes(schema.FieldIdentity),
			Random:    d.bytes(schema.FieldRandom),
		}
	case schema.MsgHandshakeConfirm:
		m = HandshakeConfirm{MAC: d.bytes(schema.FieldMAC)}
	case schema.MsgHandshakeReject:
		m = HandshakeReject{Reason: d.str(schema.FieldReason)}
	case schema.MsgHandshakeIdentity:
		m = HandshakeIdentity{Signature: d.bytes(schema.FieldSignature)}
	case schema.MsgEncrypted:
		m = Encrypted{Seq: d.u64(schema.FieldSeq), Ciphertext: d.bytes(schema.FieldCiphertext)}
	case schema.MsgIntroduction:
		intro := Introduction{
			DeviceName: d.str(schema.FieldDeviceName),
			DeviceType: d.str(schema.FieldDeviceType),
			TotalBytes: d.u64(schema.FieldTotalBytes),
		}
		for _, raw := range tlv.GetFields(f.Fields, schema.FieldManifestEntry) {
			e, err := decodeEntry(raw.Value)
			if err != nil {
				return nil, err
			}
			intro.Entries = append(intro.Entries, e)
		}
		m = intro
	case schema.MsgAccept:
		m = Accept{}
	case schema.MsgReject:
		m = Reject{Reason: d.str(schema.FieldReason)}
	case schema.MsgCancel:
		m = Cancel{Reason: d.str(schema.FieldReason)}
	case schema.MsgChunk:
		m = Chunk{
			PayloadID: d.u64(schema.FieldPayloadID),
			Offset:    d.u64(schema.FieldOffset),
			Data:      d.bytes(schema.FieldData),
		}
	case schema.MsgComplete:
		m = Complete{}
	case schema.MsgAbort:
		m = Abort{Code: AbortCode(d.u32(schema.FieldCode)), Reason: d.str(schema.FieldReason)}
	case schema.MsgKeepAlive:
		m = KeepAlive{}
	default:
		return nil, fmt.Errorf("%w: %#02x", frame.ErrUnknownType, f.Type)
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %v", frame.ErrMalformed, d.err)
	}
	return m, nil
}

func decodeEntry(raw []byte) (ManifestEntry, error) {
	fields, err := tlv.DecodeFields(raw)
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: manifest entry: %v", frame.ErrMalformed, err)
	}
	if err := schema.ValidateRecord(schema.RecordManifestEntry, fields); err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: %v", frame.ErrMalformed, err)
	}
	d := decoder{f: frame.Frame{Fields: fields}}
	e := ManifestEntry{
		PayloadID: d.u64(schema.FieldPayloadID),
		Kind:      PayloadKind(d.u8(schema.FieldKind)),
		Name:      d.str(schema.FieldName),
		Size:      d.u64(schema.FieldSize),
		Mime:      d.str(schema.FieldMime),
		Digest:    d.bytes(schema.FieldDigest),
		Preview:   d.str(schema.FieldPreview),
		TextType:  TextType(d.u8(schema.FieldTextType)),
	}
	if d.err != nil {
		return ManifestEntry{}, fmt.Errorf("%w: manifest entry: %v", frame.ErrMalformed, d.err)
	}
	if !e.Kind.Valid() {
		return ManifestEntry{}, fmt.Errorf("%w: manifest entry kind %d", frame.ErrMalformed, e.Kind)
	}
	return e, nil
}

// decoder reads optional fields; absent fields yield zero values and the
// first conversion error sticks.
type decoder struct {
	f   frame.Frame
	err error
}

func (d *decoder) bytes(id uint16) []byte {
	f, ok := d.f.Get(id)
	if !ok {
		return nil
	}
	return f.Value
}

func (d *decoder) str(id uint16) string {
	return string(d.bytes(id))
}

func (d *decoder) u8(id uint16) uint8 {
	raw := d.bytes(id)
	if raw == nil || d.err != nil {
		return 0
	}
	v, err := tlv.U8FromBytes(raw)
	d.err = err
	return v
}

func (d *decoder) u32(id uint16) uint32 {
	raw := d.bytes(id)
	if raw == nil || d.err != nil {
		return 0
	}
	v, err := tlv.U32FromBytes(raw)
	d.err = err
	return v
}

func (d *decoder) u64(id uint16) uint64 {
	raw := d.bytes(id)
	if raw == nil || d.err != nil {
		return 0
	}
	v, err := tlv.U64FromBytes(raw)
	d.err = err
	return v
}

// MarshalBody encodes m as a frame body without the length prefix.
func MarshalBody(m Message) ([]byte, error) {
	return frame.EncodeBody(ToFrame(m))
}

// UnmarshalBody is the inverse of MarshalBody.
func UnmarshalBody(body []byte) (Message, error) {
	f, err := frame.DecodeBody(body)
	if err != nil {
		return nil, err
	}
	return FromFrame(f)
}
