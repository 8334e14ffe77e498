// Package registry is the conversation registry.
//
// There is exactly one conversation per unordered pair of users. GetOrCreate
// resolves concurrent first contact through the store's unique pair key: the
// loser of the insert race re-reads the winner's row.
//
// Unread counts are derived, never stored: a conversation's LastSeq minus the
// user's watermark, floored at zero. Watermarks only move forward and are
// clamped to LastSeq, so acknowledging the latest message always leaves the
// count at zero.
//
// Participant pairs never change once a conversation exists, so they are
// cached for the life of the process.
package registry
