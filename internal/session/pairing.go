package session

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/openclaw/openclaw/internal/store"
)

// PairingCode is one pending or approved pairing exchange.
type PairingCode struct {
	Code        string `json:"code"`
	Surface     string `json:"surface"`
	SenderID    string `json:"senderId"`
	CreatedAtMs int64  `json:"createdAtMs"`
	Approved    bool   `json:"approved"`
}

// PairingFile is the pairing store document.
type PairingFile struct {
	Version int           `json:"version"`
	Codes   []PairingCode `json:"codes"`
}

// PairingStore persists pairing codes for unknown senders.
type PairingStore struct {
	doc *store.Store[PairingFile]
}

// NewPairingStore opens the pairing store at path.
func NewPairingStore(path string) *PairingStore {
	return &PairingStore{
		doc: store.New(path, func() PairingFile { return PairingFile{Version: 1} }),
	}
}

// EnsureCode returns the pairing code for (surface, sender), creating one on
// first contact. fresh is true when the code was just created — the channel
// shows it to the sender exactly once.
func (p *PairingStore) EnsureCode(surface, senderID string) (code string, fresh bool, err error) {
	err = p.doc.Mutate(func(file *PairingFile) error {
		for _, c := range file.Codes {
			if c.Surface == surface && c.SenderID == senderID {
				code = c.Code
				return nil
			}
		}
		code = newPairingCode()
		fresh = true
		file.Codes = append(file.Codes, PairingCode{
			Code:        code,
			Surface:     surface,
			SenderID:    senderID,
			CreatedAtMs: time.Now().UnixMilli(),
		})
		return nil
	})
	return code, fresh, err
}

// Pending returns all unapproved codes.
func (p *PairingStore) Pending() ([]PairingCode, error) {
	file, err := p.doc.Snapshot()
	if err != nil {
		return nil, err
	}
	var out []PairingCode
	for _, c := range file.Codes {
		if !c.Approved {
			out = append(out, c)
		}
	}
	return out, nil
}

// Approve marks a code approved and returns its sender, so the caller can
// extend the channel allowlist.
func (p *PairingStore) Approve(code string) (*PairingCode, error) {
	var approved *PairingCode
	err := p.doc.Mutate(func(file *PairingFile) error {
		for i := range file.Codes {
			if file.Codes[i].Code == code {
				file.Codes[i].Approved = true
				c := file.Codes[i]
				approved = &c
				return nil
			}
		}
		return fmt.Errorf("pairing code %s not found", code)
	})
	return approved, err
}

// IsApproved reports whether (surface, sender) completed pairing.
func (p *PairingStore) IsApproved(surface, senderID string) bool {
	file, err := p.doc.Snapshot()
	if err != nil {
		return false
	}
	for _, c := range file.Codes {
		if c.Surface == surface && c.SenderID == senderID && c.Approved {
			return true
		}
	}
	return false
}

// newPairingCode generates a short human-typable code.
func newPairingCode() string {
	const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	b := make([]byte, 8)
	rand.Read(b)
	for i := range b {
		b[i] = alphabet[int(b[i])%len(alphabet)]
	}
	return string(b)
}
