// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes identify the entity kind an ID belongs to.
const (
	EventPrefix      = "ev-"
	ConnectionPrefix = "cn-"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
var Length = 10

// NewEventID returns a new unique event ID.
func NewEventID() (string, error) {
	return GenerateWithPrefix(EventPrefix)
}

// NewConnectionID returns a new unique connection ID.
func NewConnectionID() (string, error) {
	return GenerateWithPrefix(ConnectionPrefix)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
