package domain

import (
	"time"
)

type WhisperType uint8

const (
	WhisperPublic WhisperType = iota
	WhisperPrivate
)

func (t WhisperType) Valid() bool { return t <= WhisperPrivate }

func (t WhisperType) String() string {
	switch t {
	case WhisperPublic:
		return "public"
	case WhisperPrivate:
		return "private"
	}
	return "unknown"
}

type ContentMode uint8

const (
	ContentPlain ContentMode = iota
	ContentEncrypted
)

func (m ContentMode) Valid() bool { return m <= ContentEncrypted }

func (m ContentMode) String() string {
	switch m {
	case ContentPlain:
		return "plain"
	case ContentEncrypted:
		return "encrypted"
	}
	return "unknown"
}

// Tag is the fixed label set a whisper is filed under.
type Tag string

const (
	TagConfession   Tag = "Confession"
	TagAppreciation Tag = "Appreciation"
	TagSecret       Tag = "Secret"
	TagRandom       Tag = "Random"
)

func (t Tag) Valid() bool {
	switch t {
	case TagConfession, TagAppreciation, TagSecret, TagRandom:
		return true
	}
	return false
}

// Whisper is a single board entry. Records are append-only: the only
// mutation after creation is the one-way IsDeleted tombstone flag.
type Whisper struct {
	ID              uint64      `json:"id"`
	Author          Address     `json:"author"`
	Type            WhisperType `json:"whisper_type"`
	ContentMode     ContentMode `json:"content_mode"`
	PlainContent    string      `json:"plain_content,omitempty"`
	EncryptedHandle []byte      `json:"encrypted_handle,omitempty"`
	Recipient       Address     `json:"recipient"`
	Tag             Tag         `json:"tag"`
	CreatedAt       time.Time   `json:"created_at"`
	IsAnonymous     bool        `json:"is_anonymous"`
	IsDeleted       bool        `json:"is_deleted"`
}

// PostParams carries everything postWhisper needs. For encrypted content the
// handle must arrive with its input proof; for plain content both are empty.
type PostParams struct {
	Author          Address
	Type            WhisperType
	ContentMode     ContentMode
	PlainContent    string
	EncryptedHandle []byte
	InputProof      []byte
	Recipient       Address
	Tag             Tag
	IsAnonymous     bool
}

// Validate checks the creation invariants in the same order the ledger
// surface reports them: enum ranges first, then content, then recipient.
func (p *PostParams) Validate() error {
	if !p.Type.Valid() {
		return ErrInvalidWhisperType
	}
	if !p.ContentMode.Valid() {
		return ErrInvalidContentMode
	}
	if !p.Tag.Valid() {
		return ErrInvalidTag
	}
	switch p.ContentMode {
	case ContentPlain:
		if p.PlainContent == "" {
			return ErrContentRequired
		}
	case ContentEncrypted:
		if len(p.EncryptedHandle) == 0 {
			return ErrContentRequired
		}
	}
	if p.Type == WhisperPrivate && p.Recipient.IsZero() {
		return ErrRecipientRequired
	}
	if p.Type == WhisperPublic {
		p.Recipient = ZeroAddress
	}
	return nil
}
