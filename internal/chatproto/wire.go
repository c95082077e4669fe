package chatproto

import (
	"encoding/json"
	"fmt"
)

// Dialect names one of the two wire vocabularies in the field. DialectA
// is the structured form (message/ack/capabilities/call); DialectB is
// the older flat form (text/video-*). A peer's dialect is inferred from
// its first decoded frame and mirrored on sends.
type Dialect int

const (
	DialectA Dialect = iota
	DialectB
)

func (d Dialect) String() string {
	if d == DialectB {
		return "B"
	}
	return "A"
}

type wireFrame struct {
	Type string `json:"type"`

	// Dialect A fields.
	Message            *wireMessage `json:"message,omitempty"`
	MessageID          string       `json:"messageId,omitempty"`
	SupportsEncryption *bool        `json:"supportsEncryption,omitempty"`
	Action             string       `json:"action,omitempty"`
	From               string       `json:"from,omitempty"`

	// Dialect B fields.
	Text string `json:"text,omitempty"`
}

type wireMessage struct {
	MessageID        string `json:"messageId"`
	Content          string `json:"content,omitempty"`
	EncryptedContent string `json:"encryptedContent,omitempty"`
}

// Decode parses a raw data channel payload into a Frame, reporting
// which dialect produced it.
func Decode(data []byte) (Frame, Dialect, error) {
	var w wireFrame
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, DialectA, fmt.Errorf("chatproto: malformed frame: %w", err)
	}

	switch w.Type {
	case "message":
		if w.Message == nil {
			return nil, DialectA, fmt.Errorf("chatproto: message frame without body")
		}
		f := TextFrame{ID: w.Message.MessageID}
		if w.Message.EncryptedContent != "" {
			f.Content = w.Message.EncryptedContent
			f.Encrypted = true
		} else {
			f.Content = w.Message.Content
		}
		return f, DialectA, nil
	case "ack":
		return AckFrame{MessageID: w.MessageID}, DialectA, nil
	case "capabilities":
		supported := w.SupportsEncryption != nil && *w.SupportsEncryption
		return CapabilitiesFrame{SupportsEncryption: supported}, DialectA, nil
	case "call":
		action, err := parseCallAction(w.Action)
		if err != nil {
			return nil, DialectA, err
		}
		return CallFrame{Action: action, From: w.From}, DialectA, nil
	case "text":
		return TextFrame{Content: w.Text}, DialectB, nil
	case "video-invite":
		return CallFrame{Action: CallInvite}, DialectB, nil
	case "video-accept":
		return CallFrame{Action: CallAccept}, DialectB, nil
	case "video-decline":
		return CallFrame{Action: CallDecline}, DialectB, nil
	case "video-end":
		return CallFrame{Action: CallEnd}, DialectB, nil
	default:
		return nil, DialectA, fmt.Errorf("chatproto: unknown frame type %q", w.Type)
	}
}

// Encode serializes a Frame in the given dialect. Frames dialect B has
// no vocabulary for (ack, capabilities) fall back to the dialect A
// shape; old clients drop unknown types harmlessly.
func Encode(f Frame, d Dialect) ([]byte, error) {
	var w wireFrame
	switch fr := f.(type) {
	case TextFrame:
		if d == DialectB && !fr.Encrypted {
			w.Type = "text"
			w.Text = fr.Content
			break
		}
		w.Type = "message"
		w.Message = &wireMessage{MessageID: fr.ID}
		if fr.Encrypted {
			w.Message.EncryptedContent = fr.Content
		} else {
			w.Message.Content = fr.Content
		}
	case AckFrame:
		w.Type = "ack"
		w.MessageID = fr.MessageID
	case CapabilitiesFrame:
		w.Type = "capabilities"
		supported := fr.SupportsEncryption
		w.SupportsEncryption = &supported
	case CallFrame:
		if d == DialectB {
			w.Type = callActionToB(fr.Action)
			break
		}
		w.Type = "call"
		w.Action = string(fr.Action)
		w.From = fr.From
	default:
		return nil, fmt.Errorf("chatproto: cannot encode %T", f)
	}
	return json.Marshal(w)
}

func parseCallAction(raw string) (CallAction, error) {
	switch a := CallAction(raw); a {
	case CallInvite, CallAccept, CallDecline, CallCancel, CallEnd:
		return a, nil
	default:
		return "", fmt.Errorf("chatproto: unknown call action %q", raw)
	}
}

// callActionToB maps call verbs onto dialect B's video-* types. B has
// no distinct cancel, so a retracted invite rides on video-end.
func callActionToB(a CallAction) string {
	switch a {
	case CallInvite:
		return "video-invite"
	case CallAccept:
		return "video-accept"
	case CallDecline:
		return "video-decline"
	default:
		return "video-end"
	}
}
