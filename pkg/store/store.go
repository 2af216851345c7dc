// Package store resolves callers and their cached conversation context.
package store

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"
)

// ErrNotFound is returned by Directory.Lookup for an unknown username.
var ErrNotFound = errors.New("user not found")

// DefaultGreeting is spoken when no opening greeting is cached.
const DefaultGreeting = "Hey {{name}}! How's it going?"

// ContextTTL is applied to every cached context key on write.
const ContextTTL = time.Hour

type Profile struct {
	ID                  int64
	Username            string
	DisplayName         string
	DateOfBirth         time.Time
	PriorContextSummary string
}

// Directory resolves usernames to profiles.
type Directory interface {
	Lookup(ctx context.Context, username string) (Profile, error)
}

// Context is the per-user cache read at call start.
type Context struct {
	OpeningGreeting string
	Background      string
}

// ContextStore loads and saves per-user context. A missing key is not an
// error; the field is left empty.
type ContextStore interface {
	Load(ctx context.Context, userID int64) (Context, error)
	Save(ctx context.Context, userID int64, c Context) error
}

// IntroKey is the cache key of the opening greeting.
func IntroKey(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10) + "_intro"
}

// ContextKey is the cache key of the background context.
func ContextKey(userID int64) string {
	return "user_" + strconv.FormatInt(userID, 10) + "_context"
}

// Greeting returns the cached greeting, or the default one rendered for p.
func Greeting(c Context, p Profile) string {
	if g := strings.TrimSpace(c.OpeningGreeting); g != "" {
		return g
	}
	name := strings.TrimSpace(p.DisplayName)
	if name == "" {
		name = p.Username
	}
	return strings.ReplaceAll(DefaultGreeting, "{{name}}", name)
}
