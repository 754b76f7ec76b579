// Package topic provides hierarchical routing keys and pattern matching
// for the message bus.
//
// Keys use dot notation ("editor.save", "fs.read", "git.status.changed").
// Patterns may contain wildcards:
//   - "*" matches exactly one segment ("editor.*" matches "editor.save")
//   - "**" matches zero or more segments ("fs.**" matches "fs", "fs.read",
//     and "fs.watch.started")
//
// The Matcher indexes patterns in a trie so that matching a key is
// proportional to the number of candidate patterns, not the total number
// registered. It is safe for concurrent use and is shared by the router
// and the pub/sub hub, which use the same matching rule.
package topic
