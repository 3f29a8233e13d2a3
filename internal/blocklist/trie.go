package blocklist

import "strings"

// zoneTrie stores zone names with labels reversed, so "doubleclick.net"
// becomes the path root -> "net" -> "doubleclick". A query name lies in a
// blacklisted zone when any prefix of its reversed label path ends on a
// terminal node; that covers the zone apex and every descendant.
//
// Lookup walks the query rootward one label at a time, so the cost is
// O(labels), bounded by the 127-label wire maximum.
type zoneTrie struct {
	root *zoneNode
	size int
}

type zoneNode struct {
	children map[string]*zoneNode
	terminal bool
}

func newZoneTrie() *zoneTrie {
	return &zoneTrie{root: &zoneNode{}}
}

func (t *zoneTrie) add(zone string) {
	node := t.root
	for label := range reverseLabels(zone) {
		if node.children == nil {
			node.children = make(map[string]*zoneNode, 4)
		}
		child, ok := node.children[label]
		if !ok {
			child = &zoneNode{}
			node.children[label] = child
		}
		node = child
	}
	if !node.terminal {
		node.terminal = true
		t.size++
	}
}

func (t *zoneTrie) contains(name string) bool {
	node := t.root
	for label := range reverseLabels(name) {
		child, ok := node.children[label]
		if !ok {
			return false
		}
		node = child
		if node.terminal {
			return true
		}
	}
	return false
}

// reverseLabels yields the labels of a normalized name from the root
// side inward: "stats.doubleclick.net" -> "net", "doubleclick", "stats".
// No allocation beyond the yielded substrings.
func reverseLabels(name string) func(yield func(string) bool) {
	return func(yield func(string) bool) {
		end := len(name)
		for end > 0 {
			start := strings.LastIndexByte(name[:end], '.') + 1
			if !yield(name[start:end]) {
				return
			}
			end = start - 1
			if end < 0 {
				return
			}
		}
	}
}
