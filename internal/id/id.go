// Package id provides ID and handle generation helpers.
package id

import (
	"math/rand"

	nanoid "github.com/matoous/go-nanoid/v2"
)

const DefaultLength = 21

const (
	PrefixInstance   = "ins"
	PrefixConnection = "conn"
)

func New(prefix string) string {
	id, err := nanoid.New(DefaultLength)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewWithLength(prefix string, length int) string {
	id, err := nanoid.New(length)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	return prefix + "_" + id
}

func NewInstance() string   { return NewWithLength(PrefixInstance, 10) }
func NewConnection() string { return New(PrefixConnection) }

var handleAdjectives = []string{
	"happy", "brave", "calm", "clever", "eager", "gentle", "jolly", "keen",
	"lively", "merry", "nimble", "proud", "quick", "quiet", "shiny", "swift",
	"vivid", "warm", "wild", "witty",
}

var handleAnimals = []string{
	"fox", "owl", "wolf", "bear", "lynx", "hare", "crow", "dove", "swan",
	"seal", "otter", "moose", "finch", "heron", "wren", "toad", "mole",
	"stoat", "bison", "crane",
}

const handleSuffixAlphabet = "0123456789abcdef"

// NewHandle mints an anonymous display handle like "happy-fox-a3b". Handles
// are not unique by construction; the short suffix keeps collisions rare and
// harmless since identity is the user UUID, not the handle.
func NewHandle() string {
	suffix, err := nanoid.Generate(handleSuffixAlphabet, 3)
	if err != nil {
		panic("nanoid generation failed: " + err.Error())
	}
	adj := handleAdjectives[rand.Intn(len(handleAdjectives))]
	animal := handleAnimals[rand.Intn(len(handleAnimals))]
	return adj + "-" + animal + "-" + suffix
}
