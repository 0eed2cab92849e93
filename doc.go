// Package particula is the execution core of a peer-to-peer network of
// *particles*.
//
// A particle is a signed, self-describing unit of work: a script, an opaque
// data payload and a time-to-live. It hops from peer to peer; on every peer
// an interpreter runs the script against the data and answers with the
// updated data, the service calls to perform and the peers to visit next.
//
// ## How it works
//
// The first thing to do is to `Create` a `Node`, optionally making it
// `Node.JoinCluster` an existing mesh. Under the hood, it uses a gossip
// protocol ([memberlist][dep-mbl]) to discover the other peers and the
// addresses they advertise.
//
// For the data-plane, peers are *lazily* connected using [QUIC][dep-quic].
// Connections are mutually authenticated: each side presents a certificate
// whose common name is its peer id and whose key is the peer identity key.
// A single QUIC connection carries the gossip (datagrams and bidirectional
// streams) and the particle frames (unidirectional streams).
//
// Inside a node, four components cooperate:
//
// * the wire codec (`pkg/codec`) turns particles, call requests and call
// results into length-prefixed frames,
// * the connection pool (`pkg/pool`) owns one bounded queue per peer and
// redials with a bounded exponential backoff,
// * the dispatcher (`pkg/dispatch`) runs service calls, locally through a
// capability table or remotely through call request frames,
// * the pipeline (`pkg/pipeline`) drives each particle, one generation of
// calls at a time, until it is routed, done, expired or failed.
//
// ## Design Principles
//
// ### Bounded
//
// Every queue, retry and wait is bounded. A peer which cannot be reached
// after a few attempts is closed and its queue is failed, a particle never
// outlives its deadline, and the pool never silently retries forever.
//
// ### Deterministic
//
// The interpreter of a particle is never invoked concurrently with itself,
// and the results of a generation are handed to it in a single batch
// ordered by call index. Re-deliveries of a particle are recorded in a
// ledger so they do not execute twice.
//
// [dep-mbl]: https://pkg.go.dev/github.com/hashicorp/memberlist
// [dep-quic]: https://pkg.go.dev/github.com/quic-go/quic-go
package particula
