// Package message defines the persisted chat message model and its
// PostgreSQL-backed store. A message is created once by the router, may be
// deleted by ephemeral expiry, and is otherwise immutable. Deleted ids are
// tombstones: they are never reused and operations referencing them are
// no-ops rather than errors.
package message

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Content kinds. These mirror the wire-level msgType values.
const (
	KindText = "text"
	KindFile = "file"
)

const (
	// MaxContentBytes caps the stored content size. File-kind content is a
	// URL, so the same cap applies.
	MaxContentBytes = 4096

	// MaxContentChars caps the character count of text content.
	MaxContentChars = 2000
)

// Message is one routed chat message. Exactly one of Recipient, GroupID, or
// neither (public) is set; the router enforces target priority at creation.
type Message struct {
	ID            string // server-generated UUID
	Sender        string // identity of the sender
	Recipient     string // private target identity, empty unless private
	GroupID       string // group target, empty unless group
	Content       string // text body or blob-store URL for files
	Kind          string // KindText or KindFile
	Timestamp     int64  // server-assigned, unix milliseconds, monotonic
	DisappearTime int    // seconds until expiry, 0 = permanent
}

// InferKind resolves the content kind for a message. An explicit, valid
// msgType wins. Otherwise the kind is inferred from the content: upload URLs
// and absolute http(s) URLs are treated as files, everything else as text.
// The heuristic exists for wire compatibility with clients that omit
// msgType; new clients should always send it.
func InferKind(msgType, content string) string {
	switch msgType {
	case KindText, KindFile:
		return msgType
	}

	if strings.HasPrefix(content, "http://") ||
		strings.HasPrefix(content, "https://") ||
		strings.HasPrefix(content, "/uploads/") {
		return KindFile
	}
	return KindText
}

// ValidateContent checks that message content meets size and encoding
// requirements before it is persisted or routed.
func ValidateContent(content string) error {
	if len(content) == 0 {
		return fmt.Errorf("message: content is empty")
	}
	if len(content) > MaxContentBytes {
		return fmt.Errorf("message: content exceeds %d byte limit", MaxContentBytes)
	}
	if utf8.RuneCountInString(content) > MaxContentChars {
		return fmt.Errorf("message: content exceeds %d character limit", MaxContentChars)
	}
	if !utf8.ValidString(content) {
		return fmt.Errorf("message: content contains invalid UTF-8")
	}
	return nil
}
