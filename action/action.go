// Package action defines the record that flows through harp: an
// identity-bearing event produced by an application and persisted by harpd.
package action

import (
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

// MaxKindLength is the width of the kind column in harp.actions.
const MaxKindLength = 64

var ErrInvalidAction = errors.New("invalid action")

// Kind is implemented by any value that names a type of action. The key is
// written to the wire and to storage, so it must stay stable across releases.
type Kind interface {
	KindKey() string
}

// KindString lets a plain string be used as a Kind.
type KindString string

func (k KindString) KindKey() string { return string(k) }

// Loggable is implemented by domain entities that actions can be attributed
// to, e.g. a player or an unauthenticated connection.
type Loggable interface {
	Identity() (netip.Addr, uint32)
}

// Action is a single event waiting to be logged. Created is zero until the
// storage layer assigns it. An IPv4-mapped IPv6 address is carried on the
// wire as plain IPv4, so it decodes unmapped.
type Action struct {
	ID      uint32          `json:"unique_id"`
	Addr    netip.Addr      `json:"ip_address"`
	Kind    string          `json:"kind"`
	Detail  json.RawMessage `json:"detail,omitempty"`
	Created time.Time       `json:"created,omitempty"`
}

// New creates an action without detail.
func New(kind Kind, target Loggable) Action {
	addr, id := target.Identity()
	return Action{
		ID:   id,
		Addr: addr.Unmap(),
		Kind: kind.KindKey(),
	}
}

// WithDetail creates an action carrying a structured detail payload. The
// detail is marshalled to JSON immediately so the action stays immutable.
func WithDetail(kind Kind, detail any, target Loggable) (Action, error) {
	a := New(kind, target)
	if detail == nil {
		return a, nil
	}

	raw, err := json.Marshal(detail)
	if err != nil {
		return Action{}, fmt.Errorf("%w: marshal detail: %v", ErrInvalidAction, err)
	}
	if string(raw) != "null" {
		a.Detail = raw
	}
	return a, nil
}

// MustWithDetail is like WithDetail but panics if detail cannot be marshalled.
func MustWithDetail(kind Kind, detail any, target Loggable) Action {
	a, err := WithDetail(kind, detail, target)
	if err != nil {
		panic(err)
	}
	return a
}

// HasDetail reports whether the action carries a detail payload.
func (a Action) HasDetail() bool {
	return len(a.Detail) > 0
}

// Validate checks the invariants every action must satisfy before it is
// encoded or stored.
func (a Action) Validate() error {
	if a.Kind == "" {
		return fmt.Errorf("%w: empty kind", ErrInvalidAction)
	}
	if len(a.Kind) > MaxKindLength {
		return fmt.Errorf("%w: kind is %d bytes, max %d", ErrInvalidAction, len(a.Kind), MaxKindLength)
	}
	if !utf8.ValidString(a.Kind) {
		return fmt.Errorf("%w: kind is not valid utf-8", ErrInvalidAction)
	}
	if strings.ContainsRune(a.Kind, 0) {
		return fmt.Errorf("%w: kind contains a NUL byte", ErrInvalidAction)
	}
	if !a.Addr.IsValid() {
		return fmt.Errorf("%w: missing ip address", ErrInvalidAction)
	}
	if a.Addr.Zone() != "" {
		return fmt.Errorf("%w: ip address has zone %q", ErrInvalidAction, a.Addr.Zone())
	}
	if a.HasDetail() {
		if err := validateDetail(a.Detail); err != nil {
			return fmt.Errorf("%w: detail %v", ErrInvalidAction, err)
		}
	}
	return nil
}

// validateDetail accepts only JSON that a jsonb column stores as is: valid
// utf-8, no \u0000 escape and no unpaired surrogate escape.
func validateDetail(raw []byte) error {
	if !utf8.Valid(raw) {
		return errors.New("is not valid utf-8")
	}
	if !json.Valid(raw) {
		return errors.New("is not valid json")
	}

	inString := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if !inString {
			if c == '"' {
				inString = true
			}
			continue
		}
		switch c {
		case '"':
			inString = false
		case '\\':
			if raw[i+1] != 'u' {
				i++
				continue
			}
			r := unicodeEscape(raw[i+2 : i+6])
			i += 5
			switch {
			case r == 0:
				return errors.New("contains a \\u0000 escape")
			case r >= 0xDC00 && r <= 0xDFFF:
				return fmt.Errorf("contains an unpaired surrogate \\u%04x", r)
			case r >= 0xD800 && r <= 0xDBFF:
				if i+6 >= len(raw) || raw[i+1] != '\\' || raw[i+2] != 'u' {
					return fmt.Errorf("contains an unpaired surrogate \\u%04x", r)
				}
				low := unicodeEscape(raw[i+3 : i+7])
				if low < 0xDC00 || low > 0xDFFF {
					return fmt.Errorf("contains an unpaired surrogate \\u%04x", r)
				}
				i += 6
			}
		}
	}
	return nil
}

// unicodeEscape parses the four hex digits of a \uXXXX escape. The input has
// already passed json.Valid.
func unicodeEscape(hex []byte) rune {
	n, _ := strconv.ParseUint(string(hex), 16, 32)
	return rune(n)
}

// Equal compares two actions field by field. Detail is compared byte-wise.
func (a Action) Equal(b Action) bool {
	return a.ID == b.ID &&
		a.Addr == b.Addr &&
		a.Kind == b.Kind &&
		string(a.Detail) == string(b.Detail) &&
		a.Created.Equal(b.Created)
}

func (a Action) String() string {
	detail := "None"
	if a.HasDetail() {
		detail = string(a.Detail)
	}
	created := "pending"
	if !a.Created.IsZero() {
		created = a.Created.Format(time.RFC3339Nano)
	}
	return fmt.Sprintf("Action{id: %d, addr: %s, kind: %s, detail: %s, created: %s}",
		a.ID, a.Addr, a.Kind, detail, created)
}
