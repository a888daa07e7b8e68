// Package permission implements hierarchical permission nodes and the
// evaluators behind plugin.PermissionEvaluator.
//
// A node is a dot-separated string such as "bote.plugins.unload". A grant
// matches a node when every segment is equal, walking left to right, until
// the grant reaches a "*" segment, which matches the remainder of the node
// (one or more segments). Without a wildcard the segment counts must agree.
//
// Nodes under "bote.deny." are deny nodes: holding one takes a capability
// away. Only a grant that is itself a deny node can cover one, so broad
// grants such as "*" never deny anything by accident.
package permission

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidNode is returned when granting a malformed node.
	ErrInvalidNode = errors.New("invalid permission node")

	// ErrInvalidExpiry is returned by GrantUntil for an expiry not in the future.
	ErrInvalidExpiry = errors.New("grant expiry must be in the future")

	// ErrStore wraps backend failures.
	ErrStore = errors.New("permission store")
)

const (
	// Wildcard is the segment that matches the remainder of a node.
	Wildcard = "*"

	// DenyPrefix starts every deny node.
	DenyPrefix = "bote.deny."
)

// IsDenyNode reports whether node is a deny node.
func IsDenyNode(node string) bool {
	return strings.HasPrefix(node, DenyPrefix)
}

// Match reports whether grant covers node.
func Match(grant, node string) bool {
	if grant == "" || node == "" {
		return false
	}
	if IsDenyNode(node) && !IsDenyNode(grant) {
		return false
	}
	gs := strings.Split(grant, ".")
	ns := strings.Split(node, ".")
	for i, g := range gs {
		if i >= len(ns) {
			return false
		}
		if g == Wildcard {
			return true
		}
		if g != ns[i] {
			return false
		}
	}
	return len(gs) == len(ns)
}

// MatchAny reports whether any of grants covers node.
func MatchAny(grants []string, node string) bool {
	for _, g := range grants {
		if Match(g, node) {
			return true
		}
	}
	return false
}

// ValidateNode checks that node has no empty segments and uses the
// wildcard only as a whole segment.
func ValidateNode(node string) error {
	if node == "" {
		return fmt.Errorf("%w: empty", ErrInvalidNode)
	}
	for _, seg := range strings.Split(node, ".") {
		if seg == "" {
			return fmt.Errorf("%w: %q has an empty segment", ErrInvalidNode, node)
		}
		if seg != Wildcard && strings.Contains(seg, Wildcard) {
			return fmt.Errorf("%w: %q embeds a wildcard in segment %q", ErrInvalidNode, node, seg)
		}
		if strings.ContainsAny(seg, " \t\n") {
			return fmt.Errorf("%w: %q contains whitespace", ErrInvalidNode, node)
		}
	}
	return nil
}

// CommandDenyNode is the node whose holder may not run the named top-level
// command.
func CommandDenyNode(command string) string {
	return DenyPrefix + "command." + command
}
