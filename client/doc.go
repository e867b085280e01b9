// Package client is the core of the zentrias messaging client.
//
// A Client represents one logged-in user. It combines:
//
//   - a SessionManager that obtains and persists the credential,
//   - a Connector that owns the websocket live channel,
//   - a Directory listing conversations,
//   - a Synchronizer that loads a conversation's history and keeps open
//     HistoryViews current with live messages, and
//   - a Composer that sends text, images and audio notes.
//
// Typical use:
//
//	c, err := client.New(client.Config{BaseURL: "http://localhost:8080"})
//	if err != nil { ... }
//	defer c.Close()
//
//	session, err := c.Login(ctx, "alice", "secret")
//	if _, err := c.Connect(ctx); err != nil { ... }
//
//	view, err := c.History.Open(ctx, session.UserID, peerID)
//	defer view.Close()
//	c.Composer.SendText(ctx, session.UserID, peerID, "hello")
package client
