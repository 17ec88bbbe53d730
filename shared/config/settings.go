package config

import (
	"strconv"
	"strings"
)

// Settings is a flat string-keyed option bag attached to a backend
// instance. Values are stored as text and converted on read; a missing or
// unconvertible key yields the caller's fallback.
type Settings struct {
	values map[string]string
}

func NewSettings() *Settings {
	return &Settings{values: make(map[string]string)}
}

// Add stores the value only if the key is not already set.
func (s *Settings) Add(key, value string) {
	if _, ok := s.values[key]; !ok {
		s.values[key] = value
	}
}

// SetOrAdd stores the value unconditionally.
func (s *Settings) SetOrAdd(key, value string) {
	s.values[key] = value
}

func (s *Settings) Has(key string) bool {
	_, ok := s.values[key]
	return ok
}

func (s *Settings) Text(key, fallback string) string {
	if v, ok := s.values[key]; ok {
		return v
	}
	return fallback
}

func (s *Settings) Bool(key string, fallback bool) bool {
	v, ok := s.values[key]
	if !ok {
		return fallback
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return fallback
}

func (s *Settings) Int(key string, fallback int) int {
	v, ok := s.values[key]
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// Clone returns an independent copy of the bag.
func (s *Settings) Clone() *Settings {
	out := NewSettings()
	for k, v := range s.values {
		out.values[k] = v
	}
	return out
}
