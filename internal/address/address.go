// Package address implements the two-variant address grammar used on every
// envelope:
//
//	agent:<name>
//	channel:<adapter-type>:<chat-id>
//
// Chat ids are opaque and may themselves contain ":"; only the first two
// segments of a channel address are structural.
package address

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind discriminates the two address variants.
type Kind string

const (
	KindAgent   Kind = "agent"
	KindChannel Kind = "channel"
)

var (
	agentNameRe   = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)
	adapterTypeRe = regexp.MustCompile(`^[a-z]+$`)
)

// Address is a parsed envelope endpoint.
type Address struct {
	Kind        Kind
	Agent       string // KindAgent
	AdapterType string // KindChannel
	ChatID      string // KindChannel
}

// Parse validates and splits an address string.
func Parse(s string) (Address, error) {
	switch {
	case strings.HasPrefix(s, "agent:"):
		name := s[len("agent:"):]
		if !agentNameRe.MatchString(name) {
			return Address{}, fmt.Errorf("address %q: invalid agent name", s)
		}
		return Address{Kind: KindAgent, Agent: name}, nil
	case strings.HasPrefix(s, "channel:"):
		rest := s[len("channel:"):]
		idx := strings.Index(rest, ":")
		if idx <= 0 {
			return Address{}, fmt.Errorf("address %q: want channel:<adapter-type>:<chat-id>", s)
		}
		adapter, chat := rest[:idx], rest[idx+1:]
		if !adapterTypeRe.MatchString(adapter) {
			return Address{}, fmt.Errorf("address %q: invalid adapter type %q", s, adapter)
		}
		if chat == "" {
			return Address{}, fmt.Errorf("address %q: empty chat id", s)
		}
		return Address{Kind: KindChannel, AdapterType: adapter, ChatID: chat}, nil
	default:
		return Address{}, fmt.Errorf("address %q: unknown scheme", s)
	}
}

func (a Address) String() string {
	switch a.Kind {
	case KindAgent:
		return "agent:" + a.Agent
	case KindChannel:
		return "channel:" + a.AdapterType + ":" + a.ChatID
	default:
		return ""
	}
}

// ForAgent builds an agent address.
func ForAgent(name string) Address {
	return Address{Kind: KindAgent, Agent: name}
}

// ForChannel builds a channel address.
func ForChannel(adapterType, chatID string) Address {
	return Address{Kind: KindChannel, AdapterType: adapterType, ChatID: chatID}
}

// ValidAgentName reports whether name satisfies [a-z0-9][a-z0-9-]{0,63}.
func ValidAgentName(name string) bool {
	return agentNameRe.MatchString(name)
}

// ValidAdapterType reports whether t is a lowercase alphabetic adapter type.
func ValidAdapterType(t string) bool {
	return adapterTypeRe.MatchString(t)
}
