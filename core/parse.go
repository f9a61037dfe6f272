package core

import (
	"fmt"
	"regexp"
	"strings"
)

var headerPattern = regexp.MustCompile(`^(\S+) wants you to sign in with your (\S+) account:$`)

type messageField struct {
	prefix   string
	optional bool
	set      func(m *SignInMessage, v string)
}

var messageFields = []messageField{
	{"URI: ", false, func(m *SignInMessage, v string) { m.URI = v }},
	{"Version: ", false, func(m *SignInMessage, v string) { m.Version = v }},
	{"Chain ID: ", false, func(m *SignInMessage, v string) { m.ChainID = v }},
	{"Nonce: ", false, func(m *SignInMessage, v string) { m.Nonce = v }},
	{"Issued At: ", false, func(m *SignInMessage, v string) { m.IssuedAt = v }},
	{"Expiration Time: ", true, func(m *SignInMessage, v string) { m.ExpirationTime = v }},
	{"Not Before: ", true, func(m *SignInMessage, v string) { m.NotBefore = v }},
	{"Request ID: ", true, func(m *SignInMessage, v string) { m.RequestID = v }},
}

// ParseMessage is the inverse of FormatMessage.
func ParseMessage(text string) (*SignInMessage, error) {
	lines := strings.Split(text, "\n")
	if len(lines) < 8 {
		return nil, fmt.Errorf("%w: message too short", ErrInvalidMessage)
	}

	header := headerPattern.FindStringSubmatch(lines[0])
	if header == nil {
		return nil, fmt.Errorf("%w: malformed header", ErrInvalidMessage)
	}
	chain, err := chainFromDisplayName(header[2])
	if err != nil {
		return nil, err
	}

	m := &SignInMessage{Chain: chain, Domain: header[1], Address: lines[1]}
	if m.Address == "" || lines[2] != "" {
		return nil, fmt.Errorf("%w: malformed address block", ErrInvalidMessage)
	}

	i := 3
	if !strings.HasPrefix(lines[i], "URI: ") {
		m.Statement = lines[i]
		if i+1 >= len(lines) || lines[i+1] != "" {
			return nil, fmt.Errorf("%w: malformed statement block", ErrInvalidMessage)
		}
		i += 2
	}

	for _, f := range messageFields {
		if i >= len(lines) || !strings.HasPrefix(lines[i], f.prefix) {
			if f.optional {
				continue
			}
			return nil, fmt.Errorf("%w: missing %q", ErrInvalidMessage, strings.TrimSuffix(f.prefix, ": "))
		}
		f.set(m, strings.TrimPrefix(lines[i], f.prefix))
		i++
	}

	if i < len(lines) {
		if lines[i] != "Resources:" {
			return nil, fmt.Errorf("%w: unexpected line %q", ErrInvalidMessage, lines[i])
		}
		for i++; i < len(lines); i++ {
			if !strings.HasPrefix(lines[i], "- ") {
				return nil, fmt.Errorf("%w: malformed resource %q", ErrInvalidMessage, lines[i])
			}
			m.Resources = append(m.Resources, strings.TrimPrefix(lines[i], "- "))
		}
	}

	return m, nil
}

func chainFromDisplayName(name string) (Chain, error) {
	for _, c := range SupportedChains() {
		if c.DisplayName() == name {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedChain, name)
}
