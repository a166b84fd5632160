// Package abi implements the contract between compiled code and the host:
// the type-descriptor mini-language (spec.md §6), the packed compiled-class
// and symbol layout, the five error kinds (spec.md §7), and the ABIHost
// interface implementing the kvm_* operation vocabulary (spec.md §4.9).
package abi

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/xerrors"
)

// Node is one parsed element of a type descriptor.
type Node struct {
	Kind NodeKind
	// Repeat fields, valid when Kind == Repeat.
	Count int
	Body  []Node
	// Literal field, valid when Kind == Literal.
	Byte byte
}

// NodeKind enumerates the descriptor element kinds.
type NodeKind int

const (
	Float32 NodeKind = iota
	Float64
	Int32
	Int64
	Repeat
	Literal
)

func (k NodeKind) canonicalName() string {
	switch k {
	case Float32:
		return "Float"
	case Float64:
		return "Double"
	case Int32:
		return "Int"
	case Int64:
		return "Long"
	default:
		return ""
	}
}

func (k NodeKind) size() int {
	switch k {
	case Float32, Int32:
		return 4
	case Float64, Int64:
		return 8
	default:
		return 0
	}
}

// ParseDescriptor parses a type-descriptor string into a tree, grounded on
// spec.md §6: %f/%d/%i/%q are scalar formats, %[N<body>] repeats body N
// times, %% is a literal percent, and any other byte is a literal.
func ParseDescriptor(s string) ([]Node, error) {
	nodes, rest, err := parseDescriptorUntil(s, "")
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, xerrors.Errorf("trailing unparsed descriptor text: %q", rest)
	}
	return nodes, nil
}

// parseDescriptorUntil parses nodes until end-of-string or, inside a repeat
// body, the closing ']'. It returns the parsed nodes and whatever input
// remains after the stop point.
func parseDescriptorUntil(s, stopAt string) ([]Node, string, error) {
	var nodes []Node
	for len(s) > 0 {
		if stopAt != "" && strings.HasPrefix(s, stopAt) {
			return nodes, s[len(stopAt):], nil
		}
		c := s[0]
		if c != '%' {
			nodes = append(nodes, Node{Kind: Literal, Byte: c})
			s = s[1:]
			continue
		}
		if len(s) < 2 {
			return nil, "", xerrors.Errorf("descriptor ends with a bare %%")
		}
		switch s[1] {
		case 'f':
			nodes = append(nodes, Node{Kind: Float32})
			s = s[2:]
		case 'd':
			nodes = append(nodes, Node{Kind: Float64})
			s = s[2:]
		case 'i':
			nodes = append(nodes, Node{Kind: Int32})
			s = s[2:]
		case 'q':
			nodes = append(nodes, Node{Kind: Int64})
			s = s[2:]
		case '%':
			nodes = append(nodes, Node{Kind: Literal, Byte: '%'})
			s = s[2:]
		case '[':
			rest := s[2:]
			digits := 0
			for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
				digits++
			}
			if digits == 0 {
				return nil, "", xerrors.Errorf("%%[ must be followed by a decimal repeat count, got %q", rest)
			}
			count, err := strconv.Atoi(rest[:digits])
			if err != nil {
				return nil, "", xerrors.Errorf("parsing repeat count: %w", err)
			}
			body, after, err := parseDescriptorUntil(rest[digits:], "]")
			if err != nil {
				return nil, "", xerrors.Errorf("parsing repeat body: %w", err)
			}
			nodes = append(nodes, Node{Kind: Repeat, Count: count, Body: body})
			s = after
		default:
			return nil, "", xerrors.Errorf("unrecognized descriptor directive %%%c", s[1])
		}
	}
	if stopAt != "" {
		return nil, "", xerrors.Errorf("unterminated repeat: expected %q before end of descriptor", stopAt)
	}
	return nodes, "", nil
}

// Size returns the total byte layout size described by nodes (Literal nodes
// contribute zero: they are print-only, never part of the binary layout).
func Size(nodes []Node) int {
	total := 0
	for _, n := range nodes {
		switch n.Kind {
		case Repeat:
			total += n.Count * Size(n.Body)
		case Literal:
		default:
			total += n.Kind.size()
		}
	}
	return total
}

// Print renders data according to nodes, matching spec.md §6: when data is
// nil, each scalar directive prints its canonical type name in quotes
// instead of a value, so the same descriptor serializes a schema.
func Print(nodes []Node, data []byte) (string, error) {
	var sb strings.Builder
	if _, err := printNodes(&sb, nodes, data); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func printNodes(sb *strings.Builder, nodes []Node, data []byte) ([]byte, error) {
	for _, n := range nodes {
		var err error
		data, err = printNode(sb, n, data)
		if err != nil {
			return nil, err
		}
	}
	return data, nil
}

func printNode(sb *strings.Builder, n Node, data []byte) ([]byte, error) {
	switch n.Kind {
	case Literal:
		sb.WriteByte(n.Byte)
		return data, nil
	case Repeat:
		for i := 0; i < n.Count; i++ {
			var err error
			data, err = printNodes(sb, n.Body, data)
			if err != nil {
				return nil, err
			}
		}
		return data, nil
	default:
		size := n.Kind.size()
		if data == nil {
			fmt.Fprintf(sb, "%q", n.Kind.canonicalName())
			return nil, nil
		}
		if len(data) < size {
			return nil, xerrors.Errorf("descriptor expects %d more bytes, only %d remain", size, len(data))
		}
		writeScalar(sb, n.Kind, data[:size])
		return data[size:], nil
	}
}
