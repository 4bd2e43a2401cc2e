// Package gossipstate provides embedded, per-peer state replication over
// an eventual-consistency gossip protocol.
//
// # Overview
//
// Every node owns exactly one piece of state, stored under its own network
// address and signed with its identity key. Nodes learn each other's state
// through a pull-based anti-entropy cycle: each node periodically offers a
// summary of what it holds (address -> timestamp), peers request what is
// missing or newer, and the holder answers with the signed envelope.
//
// # Data model
//
// Envelopes are merged last-write-wins on the owner's timestamp. An envelope
// replaces the stored one only if its timestamp is strictly greater and its
// signature verifies against the embedded public key. Equal timestamps are
// rejected, so a stored envelope never changes without a newer write.
//
// # Access control
//
// Deny purges and blocks an identity until Undeny. Allow switches the node
// to allow-list mode: while the allow-list is non-empty, only its members'
// state is accepted. Deny always beats Allow.
//
// # Networking
//
// Nodes talk over UDP when a bind address is provided, optionally finding
// peers with mDNS. WithLocalNetwork connects engines inside one process.
// Without either, the engine runs standalone.
//
// # Serialization
//
// State is serialized with a Codec. The default is GobCodec; JSONCodec,
// CBORCodec and StringCodec are provided. All nodes of a namespace must
// agree on the codec.
//
// Example
//
//	engine, err := gossipstate.New[string](
//		gossipstate.WithSecret(secret),
//		gossipstate.WithNamespace("chat"),
//		gossipstate.WithBindAddr("127.0.0.1:9001"),
//		gossipstate.WithSeeds([]string{"127.0.0.1:9002"}),
//		gossipstate.WithCodec[string](gossipstate.StringCodec{}),
//	)
//	if err != nil {
//		// handle error
//	}
//	_ = engine.Set(context.Background(), "online")
//	peer, _ := engine.Get(context.Background(), peerAddress)
package gossipstate
