package client

import (
	"strings"
	"unicode"
)

// FillPrivatePeople parses an addressed chat message. For every
// occurrence of the configured private suffix marker, the single
// whitespace-delimited token immediately preceding it is matched against
// the roster by exact display name. Resolved names become deduplicated
// recipient ids; unresolved tokens are returned for the caller to warn
// about. The message text itself is left intact for display.
//
// Known limitation: a display name containing whitespace cannot be
// matched by the single-token rule and will land in unknown.
func (c *Client) FillPrivatePeople(msg, suffix string) (ids []int, unknown []string) {
	if suffix == "" {
		return nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[int]bool)
	rest := msg
	offset := 0
	for {
		i := strings.Index(rest, suffix)
		if i < 0 {
			break
		}

		token := lastToken(msg[:offset+i])
		if token != "" {
			if oc, ok := c.rosterByName(token); ok {
				if !seen[oc.ID] {
					seen[oc.ID] = true
					ids = append(ids, oc.ID)
				}
			} else {
				unknown = append(unknown, token)
			}
		}

		offset += i + len(suffix)
		rest = msg[offset:]
	}
	return ids, unknown
}

// lastToken returns the trailing whitespace-delimited token of s.
func lastToken(s string) string {
	end := len(s)
	start := end
	for start > 0 && !unicode.IsSpace(rune(s[start-1])) {
		start--
	}
	return s[start:end]
}
