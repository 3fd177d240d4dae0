// Package logging wraps logrus with the field conventions used across
// the node's subsystems, matching the per-subsystem entry style used
// in the teacher's networking code (logrus.WithField / Warnf / Infof).
package logging

import "github.com/sirupsen/logrus"

// For returns a logger scoped to component, tagging every entry with
// a "component" field the way the crawler's gossipsub package scopes
// its ModuleName logger.
func For(component string) *logrus.Entry {
	return logrus.WithField("component", component)
}

// WithPeer adds a peer field to an existing entry.
func WithPeer(entry *logrus.Entry, peerID string) *logrus.Entry {
	return entry.WithField("peer", peerID)
}

// WithKey adds a record-key field to an existing entry.
func WithKey(entry *logrus.Entry, key string) *logrus.Entry {
	return entry.WithField("key", key)
}

// SetLevel parses and applies a level name, defaulting to info on
// failure so misconfiguration never silences the node.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logrus.SetLevel(lvl)
}
