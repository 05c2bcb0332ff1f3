package ledger

import (
	"strings"
	"time"
)

// NoteKind classifies a history entry.
type NoteKind string

const (
	NoteRequest  NoteKind = "REQUEST"
	NoteApprove  NoteKind = "APPROVE"
	NoteReject   NoteKind = "REJECT"
	NoteCancel   NoteKind = "CANCEL"
	NotePayment  NoteKind = "PAYMENT"
	NoteComplete NoteKind = "COMPLETE"
	NoteRollback NoteKind = "ROLLBACK"
	NoteInfo     NoteKind = "INFO"
)

// Note is one entry of an entity's append-only history.
type Note struct {
	Date    time.Time `json:"date"`
	Message string    `json:"message"`
	Type    NoteKind  `json:"type"`
	User    string    `json:"user"`
}

// Notes keeps insertion order.
type Notes []Note

// NewNote builds a note, falling back to a default message when msg is blank.
func NewNote(at time.Time, kind NoteKind, user, msg, fallback string) Note {
	msg = strings.TrimSpace(msg)
	if msg == "" {
		msg = fallback
	}
	return Note{Date: at.UTC(), Message: msg, Type: kind, User: user}
}

// Append returns a new slice so callers never share backing arrays.
func (n Notes) Append(note Note) Notes {
	out := make(Notes, 0, len(n)+1)
	out = append(out, n...)
	return append(out, note)
}

func (n Notes) Clone() Notes {
	if n == nil {
		return Notes{}
	}
	out := make(Notes, len(n))
	copy(out, n)
	return out
}

// Last returns the most recent note.
func (n Notes) Last() (Note, bool) {
	if len(n) == 0 {
		return Note{}, false
	}
	return n[len(n)-1], true
}
