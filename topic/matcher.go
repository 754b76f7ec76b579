package topic

import "sync"

// Matcher indexes patterns in a trie for efficient key matching.
// It is safe for concurrent use.
type Matcher struct {
	mu   sync.RWMutex
	root *trieNode
}

// trieNode is a node in the pattern trie. Patterns terminate at the node
// reached by walking their segments.
type trieNode struct {
	children map[string]*trieNode
	patterns []Topic
}

func newTrieNode() *trieNode {
	return &trieNode{
		children: make(map[string]*trieNode),
	}
}

// NewMatcher creates an empty matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		root: newTrieNode(),
	}
}

// Add indexes a pattern. Adding the same pattern twice is a no-op.
func (m *Matcher) Add(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			node.children[seg] = newTrieNode()
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return
		}
	}
	node.patterns = append(node.patterns, pattern)
}

// Remove drops a pattern from the index. Unknown patterns are ignored.
func (m *Matcher) Remove(pattern Topic) {
	if pattern == "" {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return
		}
		node = node.children[seg]
	}

	for i, p := range node.patterns {
		if p == pattern {
			node.patterns = append(node.patterns[:i], node.patterns[i+1:]...)
			break
		}
	}
}

// Has returns true if the exact pattern is indexed.
func (m *Matcher) Has(pattern Topic) bool {
	if pattern == "" {
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	node := m.root
	for _, seg := range pattern.Segments() {
		if node.children[seg] == nil {
			return false
		}
		node = node.children[seg]
	}

	for _, p := range node.patterns {
		if p == pattern {
			return true
		}
	}
	return false
}

// Match returns all indexed patterns matching the given concrete key.
func (m *Matcher) Match(key Topic) []Topic {
	if key == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var matches []Topic
	m.matchNode(m.root, key.Segments(), 0, &matches)
	return matches
}

func (m *Matcher) matchNode(node *trieNode, segments []string, depth int, matches *[]Topic) {
	if node == nil {
		return
	}

	if depth == len(segments) {
		*matches = append(*matches, node.patterns...)

		// A trailing ** also matches zero further segments.
		if child := node.children[WildcardMulti]; child != nil {
			m.matchNode(child, segments, depth, matches)
		}
		return
	}

	seg := segments[depth]

	if child := node.children[seg]; child != nil {
		m.matchNode(child, segments, depth+1, matches)
	}

	if child := node.children[WildcardSingle]; child != nil {
		m.matchNode(child, segments, depth+1, matches)
	}

	if child := node.children[WildcardMulti]; child != nil {
		for i := depth; i <= len(segments); i++ {
			m.matchNode(child, segments, i, matches)
		}
	}
}

// Count returns the number of indexed patterns.
func (m *Matcher) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	m.countNode(m.root, &count)
	return count
}

func (m *Matcher) countNode(node *trieNode, count *int) {
	if node == nil {
		return
	}
	*count += len(node.patterns)
	for _, child := range node.children {
		m.countNode(child, count)
	}
}

// Clear removes all patterns.
func (m *Matcher) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.root = newTrieNode()
}
