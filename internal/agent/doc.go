// Package agent tracks the command-executing agents connected to coven-control.
//
// # Overview
//
// The Registry holds at most one Session per agent ID. A new connection for an
// ID that is already present replaces the old session (last connect wins) and
// closes the replaced connection.
//
//	reg := agent.NewRegistry(logger, agent.WithPublisher(hub))
//	reg.OnConnect(ctx, "desktop-01", agent.Metadata{Nickname: "Desk"}, conn)
//
// Key operations:
//
//   - OnConnect / OnMessage / OnDisconnect: driven by the transport
//   - DisconnectIfCurrent: ignore the close of a connection that was replaced
//   - List / Get: snapshots with a derived online/offline status
//   - Send: deliver a protocol frame on the current connection
//   - Select: resolve batch targets by explicit IDs or tags
//
// # Liveness
//
// Any inbound frame refreshes LastSeenAt. An agent is online while it has been
// seen within the liveness threshold (30s by default). Status is computed when
// read, never stored. Run sweeps every 10s and publishes agent.offline and
// agent.online once per edge; it does not evict sessions.
//
// # Thread Safety
//
// The Registry guards its map with a RWMutex. Conn implementations must be
// safe for concurrent Send and Close.
package agent
