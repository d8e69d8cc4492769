package protocol

import "fmt"

// PayloadKind is the closed set of payload variants a manifest can carry.
type PayloadKind uint8

const (
	KindFile  PayloadKind = 1
	KindText  PayloadKind = 2
	KindBytes PayloadKind = 3
)

func (k PayloadKind) Valid() bool {
	return k == KindFile || k == KindText || k == KindBytes
}

func (k PayloadKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// TextType refines text payloads so the receiver can open links or join
// networks instead of showing raw text.
type TextType uint8

const (
	TextNone  TextType = 0
	TextPlain TextType = 1
	TextURL   TextType = 2
	TextWiFi  TextType = 3
)

func (t TextType) String() string {
	switch t {
	case TextPlain:
		return "text"
	case TextURL:
		return "url"
	case TextWiFi:
		return "wifi"
	default:
		return ""
	}
}

// AbortCode classifies an Abort frame.
type AbortCode uint32

const (
	AbortProtocol  AbortCode = 1
	AbortIntegrity AbortCode = 2
	AbortIO        AbortCode = 3
	AbortTimeout   AbortCode = 4
	AbortInternal  AbortCode = 5
)

func (c AbortCode) String() string {
	switch c {
	case AbortProtocol:
		return "protocol"
	case AbortIntegrity:
		return "integrity"
	case AbortIO:
		return "io"
	case AbortTimeout:
		return "timeout"
	case AbortInternal:
		return "internal"
	default:
		return fmt.Sprintf("abort(%d)", uint32(c))
	}
}

// ProtocolVersion is the only wire revision implemented.
const ProtocolVersion uint8 = 1
