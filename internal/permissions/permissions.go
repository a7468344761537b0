// Package permissions derives a user's access level on a document.
//
// Levels form a total order (none < read < write < admin) so that "requires at least
// write" is a single comparison. Admin is never stored: it follows from authorship.
package permissions

import (
	"errors"
	"fmt"
	"strings"
)

// Level is a user's effective access on a document.
type Level int

const (
	// None grants nothing.
	None Level = iota
	// Read allows loading the document and its history.
	Read
	// Write allows saving content and restoring versions.
	Write
	// Admin allows sharing, visibility, archival and deletion.
	Admin
)

var (
	// ErrUnknownLevel indicates a permission string outside the closed set.
	ErrUnknownLevel = errors.New("permissions: unknown level")
	// ErrNotGrantable indicates a level that cannot be stored on a share.
	ErrNotGrantable = errors.New("permissions: level cannot be granted")
)

// String returns the wire name of the level.
func (l Level) String() string {
	switch l {
	case Read:
		return "read"
	case Write:
		return "write"
	case Admin:
		return "admin"
	default:
		return "none"
	}
}

// MarshalText renders the level by name.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText parses a level by name.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// AtLeast reports whether l satisfies the required minimum.
func (l Level) AtLeast(minimum Level) bool {
	return l >= minimum
}

// ParseLevel parses any of the four level names.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none":
		return None, nil
	case "read":
		return Read, nil
	case "write":
		return Write, nil
	case "admin":
		return Admin, nil
	default:
		return None, fmt.Errorf("%w: %q", ErrUnknownLevel, raw)
	}
}

// ParseGrant parses a level that may be stored on a share: read or write.
func ParseGrant(raw string) (Level, error) {
	level, err := ParseLevel(raw)
	if err != nil {
		return None, err
	}
	if !level.Grantable() {
		return None, fmt.Errorf("%w: %s", ErrNotGrantable, level)
	}
	return level, nil
}

// Grantable reports whether the level may appear on a share row.
func (l Level) Grantable() bool {
	return l == Read || l == Write
}

// Document carries the document facts resolution depends on.
type Document struct {
	AuthorID string
	IsPublic bool
}

// Grant is an explicit share of a document with one user.
type Grant struct {
	UserID string
	Level  Level
}

// Resolve returns userID's level on document given the document's explicit grants.
// Precedence: author, explicit grant, public visibility, none.
func Resolve(userID string, document Document, grants []Grant) Level {
	if userID != "" && userID == document.AuthorID {
		return Admin
	}
	if userID != "" {
		for _, grant := range grants {
			if grant.UserID == userID && grant.Level.Grantable() {
				return grant.Level
			}
		}
	}
	if document.IsPublic {
		return Read
	}
	return None
}
