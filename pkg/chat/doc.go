// Package chat provides the client-side lifecycle of a live marketplace conversation.
//
// Ownership model:
//   - A Session owns exactly one TranscriptStore and at most one live transport connection.
//   - Sessions are single-use: Close is terminal and reopening a conversation means building a new Session.
//   - Collaborators (directory, history fetcher, dialer, token source, event sink) are injected through SessionConfig.
//
// Recommended setup:
//   - Resolve persistence with the directory package and REST/WebSocket access with the backend package.
//   - Call Open, render Snapshot on every event published to the sink, and call Close when the view goes away.
package chat
