// Package codec implements the relay's wire protocol: header lines,
// an empty-line separator, then an optional body. Pure functions only
// — no I/O, no clocks, no randomness — so independent implementations
// can interoperate byte-for-byte.
package codec

import (
	"bytes"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/adwski/relay/internal/model"
)

// Header keys recognized on the wire (spec.md §4.1).
const (
	headerTo          = "to"
	headerBroadcast   = "broadcast"
	headerMessageFrom = "message_from"
	headerPeerJoined  = "peer_joined"
	headerPeerLeft    = "peer_left"
)

const sep = "\n\n"

// Decode errors. All are permanent, the caller drops the frame and
// moves on. ErrInvalidDelimiter is defined but never returned: input
// without a "\n\n" separator is decoded as a header section with an
// empty body.
var (
	ErrInvalidDelimiter      = errors.New("codec: invalid delimiter")
	ErrInvalidHeaderEncoding = errors.New("codec: invalid header encoding")
	ErrNoRecipients          = errors.New("codec: no recipients")
	ErrUnknownHeader         = errors.New("codec: unknown header")
)

// header is one decoded key:value pair in original order.
type header struct {
	key   string
	value string
}

// EncodeSent renders a SentPeerMessage as wire bytes. The returned
// ContentKind tells the caller which frame type to write it as.
func EncodeSent(msg model.SentPeerMessage) (model.ContentKind, []byte) {
	var hdr strings.Builder
	switch msg.Dest.Kind {
	case model.DestBroadcast:
		hdr.WriteString(headerBroadcast)
		hdr.WriteByte(':')
	case model.DestPeerSet:
		for i, id := range msg.Dest.Ids {
			if i > 0 {
				hdr.WriteByte('\n')
			}
			hdr.WriteString(headerTo)
			hdr.WriteString(": ")
			hdr.WriteString(id)
		}
	}
	hdr.WriteString(sep)

	switch msg.Content.Kind {
	case model.KindBinary:
		body := append([]byte(hdr.String()), msg.Content.Binary...)
		return model.KindBinary, body
	default:
		return model.KindText, []byte(hdr.String() + msg.Content.Text)
	}
}

// EncodeReceived renders a ReceivedPeerMessage as wire bytes, carried
// on the frame type matching its content.
func EncodeReceived(msg model.ReceivedPeerMessage) (model.ContentKind, []byte) {
	hdr := headerMessageFrom + ":" + msg.From + sep
	switch msg.Content.Kind {
	case model.KindBinary:
		body := append([]byte(hdr), msg.Content.Binary...)
		return model.KindBinary, body
	default:
		return model.KindText, []byte(hdr + msg.Content.Text)
	}
}

// EncodeEvent renders a RoomEvent as wire bytes. Room events are
// always text-framed and carry no body and no trailing separator.
func EncodeEvent(event model.RoomEvent) []byte {
	switch event.Kind {
	case model.EventPeerJoined:
		return []byte(headerPeerJoined + ":" + event.PeerID)
	default:
		return []byte(headerPeerLeft + ":" + event.PeerID)
	}
}

// DecodeSent parses a client-sent frame into a SentPeerMessage. kind
// tells the decoder which frame type carried the bytes, since the body
// is UTF-8 only when carried in a text frame.
func DecodeSent(kind model.ContentKind, raw []byte) (model.SentPeerMessage, error) {
	hdrSection, body, err := splitFrame(kind, raw)
	if err != nil {
		return model.SentPeerMessage{}, err
	}
	headers := parseHeaders(hdrSection)

	var (
		broadcast bool
		ids       []string
	)
	for _, h := range headers {
		switch h.key {
		case headerBroadcast:
			broadcast = true
		case headerTo:
			ids = append(ids, h.value)
		}
	}

	var dest model.Destination
	if broadcast {
		dest = model.Broadcast()
	} else {
		if len(ids) == 0 {
			return model.SentPeerMessage{}, ErrNoRecipients
		}
		dest = model.PeerSet(ids)
	}

	return model.SentPeerMessage{
		Dest:    dest,
		Content: contentFor(kind, body),
	}, nil
}

// DecodeRelay parses a relay-sent frame into a PeerSocketMessage. kind
// tells the decoder which frame type carried the bytes.
func DecodeRelay(kind model.ContentKind, raw []byte) (model.PeerSocketMessage, error) {
	hdrSection, body, err := splitFrame(kind, raw)
	if err != nil {
		return model.PeerSocketMessage{}, err
	}
	headers := parseHeaders(hdrSection)

	for _, h := range headers {
		switch h.key {
		case headerPeerJoined:
			return model.FromRelay(model.PeerJoined(h.value)), nil
		case headerPeerLeft:
			return model.FromRelay(model.PeerLeft(h.value)), nil
		case headerMessageFrom:
			return model.FromPeer(model.ReceivedPeerMessage{
				From:    h.value,
				Content: contentFor(kind, body),
			}), nil
		}
	}
	return model.PeerSocketMessage{}, ErrUnknownHeader
}

// splitFrame separates the header section from the body on the first
// "\n\n". If absent, the whole input is the header section and the
// body is empty. A text frame is UTF-8 by construction (the transport
// guarantees it); a binary frame's header bytes must still decode as
// UTF-8 even though its body is arbitrary.
func splitFrame(kind model.ContentKind, raw []byte) (hdrSection string, body []byte, err error) {
	idx := indexSep(raw)
	var hdrBytes []byte
	if idx < 0 {
		hdrBytes, body = raw, nil
	} else {
		hdrBytes, body = raw[:idx], raw[idx+len(sep):]
	}
	if kind == model.KindBinary && !utf8.Valid(hdrBytes) {
		return "", nil, ErrInvalidHeaderEncoding
	}
	return string(hdrBytes), body, nil
}

func indexSep(raw []byte) int {
	return bytes.Index(raw, []byte(sep))
}

// parseHeaders splits the header section into lines and each
// non-empty line on its first colon, trimming both sides.
func parseHeaders(section string) []header {
	if section == "" {
		return nil
	}
	lines := strings.Split(section, "\n")
	headers := make([]header, 0, len(lines))
	for _, line := range lines {
		if line == "" {
			continue
		}
		key, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		headers = append(headers, header{
			key:   strings.TrimSpace(key),
			value: strings.TrimSpace(value),
		})
	}
	return headers
}

func contentFor(kind model.ContentKind, body []byte) model.RawContent {
	if kind == model.KindBinary {
		return model.Binary(body)
	}
	return model.Text(string(body))
}
