package gateway

import (
	"strings"
	"unicode/utf8"

	"github.com/sneh-joshi/epochchat/internal/types"
	"github.com/sneh-joshi/epochchat/pkg/protocol"
)

// ValidationError rejects one client frame. Message is sent back verbatim in
// an error frame; Reason labels the rejection in metrics and logs.
type ValidationError struct {
	Reason  string
	Message string
}

func (e *ValidationError) Error() string { return "gateway: " + e.Message }

// Rejection reasons.
const (
	ReasonEmpty       = "empty"
	ReasonNoRecipient = "no_recipient"
	ReasonBadPeer     = "bad_peer"
	ReasonSelf        = "self"
	ReasonTooLong     = "too_long"
	ReasonRateLimited = "rate_limited"
	ReasonMalformed   = "malformed"
	ReasonUnknownType = "unknown_type"
	ReasonStore       = "store"
)

var (
	errEmptyMessage   = &ValidationError{ReasonEmpty, "Empty message"}
	errNoRecipient    = &ValidationError{ReasonNoRecipient, "Recipient required"}
	errBadRecipient   = &ValidationError{ReasonBadPeer, "Invalid recipient"}
	errSelfMessage    = &ValidationError{ReasonSelf, "Cannot message yourself"}
	errMessageTooLong = &ValidationError{ReasonTooLong, "Message too long"}
	errRateLimited    = &ValidationError{ReasonRateLimited, "Rate limit exceeded"}
	errMalformed      = &ValidationError{ReasonMalformed, "Malformed frame"}
	errUnknownType    = &ValidationError{ReasonUnknownType, "Unknown frame type"}
	errNotSaved       = &ValidationError{ReasonStore, "Message could not be saved"}
	errSeenFailed     = &ValidationError{ReasonStore, "Could not mark conversation seen"}
)

// validateSend checks a message frame from sender and returns the record to
// persist. Text is trimmed; its length is counted in runes.
func validateSend(sender string, f protocol.SendMessage, maxLen int) (types.NewMessage, error) {
	text := strings.TrimSpace(f.Text)
	if text == "" {
		return types.NewMessage{}, errEmptyMessage
	}
	if f.ReceiverID == "" {
		return types.NewMessage{}, errNoRecipient
	}
	if !types.ValidPeerID(f.ReceiverID) {
		return types.NewMessage{}, errBadRecipient
	}
	if f.ReceiverID == sender {
		return types.NewMessage{}, errSelfMessage
	}
	if utf8.RuneCountInString(text) > maxLen {
		return types.NewMessage{}, errMessageTooLong
	}
	return types.NewMessage{
		ClientID:   f.ClientID,
		SenderID:   sender,
		ReceiverID: f.ReceiverID,
		Text:       text,
	}, nil
}

func validateSeen(reader string, f protocol.Seen) error {
	if f.PeerID == "" {
		return errNoRecipient
	}
	if !types.ValidPeerID(f.PeerID) || f.PeerID == reader {
		return errBadRecipient
	}
	return nil
}
