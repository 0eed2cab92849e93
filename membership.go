package particula

import (
	"bytes"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/memberlist"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"
	mh "github.com/multiformats/go-multihash"
	"github.com/raskyld/particula/pkg/telemetry"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	metaFieldPeerID protowire.Number = 1
	metaFieldAddr   protowire.Number = 2
)

// member is what the gossip taught us about a peer.
type member struct {
	id    peer.ID
	addrs []ma.Multiaddr
	key   []byte
}

// membership tracks the cluster members through memberlist.
//
// It implements `memberlist.Delegate` to advertise our peer id and
// addresses as node meta, `memberlist.EventDelegate` to follow joins and
// departures, and serves as the address book of the pool and the router of
// the `kad` builtins.
type membership struct {
	local     peer.ID
	localMeta []byte
	logger    *slog.Logger
	msink     metrics.MetricSink
	mLabels   []metrics.Label

	onLeave func(peer.ID)

	lk      sync.RWMutex
	members map[peer.ID]member
}

func newMembership(local peer.ID, addrs []ma.Multiaddr, logger *slog.Logger, ms metrics.MetricSink, labels []metrics.Label) *membership {
	return &membership{
		local:     local,
		localMeta: encodeMeta(local, addrs),
		logger:    logger,
		msink:     ms,
		mLabels:   labels,
		members:   make(map[peer.ID]member),
	}
}

func encodeMeta(id peer.ID, addrs []ma.Multiaddr) []byte {
	buf := protowire.AppendTag(nil, metaFieldPeerID, protowire.BytesType)
	buf = protowire.AppendString(buf, id.String())
	for _, addr := range addrs {
		buf = protowire.AppendTag(buf, metaFieldAddr, protowire.BytesType)
		buf = protowire.AppendBytes(buf, addr.Bytes())
	}
	return buf
}

func decodeMeta(buf []byte) (member, error) {
	var m member
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return member{}, fmt.Errorf("%w: %w", ErrBadMeta, protowire.ParseError(n))
		}
		buf = buf[n:]

		if typ != protowire.BytesType {
			n = protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return member{}, fmt.Errorf("%w: %w", ErrBadMeta, protowire.ParseError(n))
			}
			buf = buf[n:]
			continue
		}

		val, n := protowire.ConsumeBytes(buf)
		if n < 0 {
			return member{}, fmt.Errorf("%w: %w", ErrBadMeta, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch num {
		case metaFieldPeerID:
			id, err := peer.Decode(string(val))
			if err != nil {
				return member{}, fmt.Errorf("%w: %w", ErrBadMeta, err)
			}
			m.id = id
		case metaFieldAddr:
			addr, err := ma.NewMultiaddrBytes(bytes.Clone(val))
			if err != nil {
				return member{}, fmt.Errorf("%w: %w", ErrBadMeta, err)
			}
			m.addrs = append(m.addrs, addr)
		}
	}
	if m.id == "" {
		return member{}, fmt.Errorf("%w: no peer id", ErrBadMeta)
	}
	m.key = kadKey([]byte(m.id))
	return m, nil
}

// kadKey is the sha256 digest positioning a peer or a key in the XOR space.
func kadKey(data []byte) []byte {
	sum, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		panic(fmt.Sprintf("unexpected multihash failure: %s", err))
	}
	decoded, err := mh.Decode(sum)
	if err != nil {
		panic(fmt.Sprintf("unexpected multihash failure: %s", err))
	}
	return decoded.Digest
}

func (mb *membership) NodeMeta(limit int) []byte {
	if len(mb.localMeta) > limit {
		// fall back to the peer id alone, addresses are then derived from
		// the gossip address.
		return encodeMeta(mb.local, nil)
	}
	return mb.localMeta
}

func (mb *membership) NotifyMsg([]byte) {}

func (mb *membership) GetBroadcasts(int, int) [][]byte {
	return nil
}

func (mb *membership) LocalState(bool) []byte {
	return nil
}

func (mb *membership) MergeRemoteState([]byte, bool) {}

func (mb *membership) NotifyJoin(node *memberlist.Node) {
	mb.upsert(node, "join")
}

func (mb *membership) NotifyUpdate(node *memberlist.Node) {
	mb.upsert(node, "update")
}

func (mb *membership) NotifyLeave(node *memberlist.Node) {
	logger := withLogNode(mb.logger, node)
	id, err := peer.Decode(node.Name)
	if err != nil {
		logger.Warn("ignoring departure of a node which is not a peer", telemetry.LabelError.L(err))
		return
	}

	mb.lk.Lock()
	delete(mb.members, id)
	count := len(mb.members)
	mb.lk.Unlock()

	logger.Info("peer left cluster")
	mb.msink.IncrCounterWithLabels(MetricMembershipEventCount, 1.0,
		telemetry.With(mb.mLabels, telemetry.LabelReason.M("leave")))
	mb.msink.SetGaugeWithLabels(MetricMembershipMembers, float32(count), mb.mLabels)
	if mb.onLeave != nil && id != mb.local {
		mb.onLeave(id)
	}
}

func (mb *membership) upsert(node *memberlist.Node, event string) {
	logger := withLogNode(mb.logger, node)
	m, err := decodeMeta(node.Meta)
	if err != nil {
		logger.Warn("ignoring node with invalid meta", telemetry.LabelError.L(err))
		return
	}
	if m.id.String() != node.Name {
		logger.Warn("ignoring node whose meta does not match its name", telemetry.LabelPeer.L(m.id))
		return
	}
	if len(m.addrs) == 0 {
		if addr, err := quicMultiaddr(node.Addr.String(), int(node.Port)); err == nil {
			m.addrs = []ma.Multiaddr{addr}
		}
	}

	mb.lk.Lock()
	mb.members[m.id] = m
	count := len(mb.members)
	mb.lk.Unlock()

	logger.Info("peer " + event)
	mb.msink.IncrCounterWithLabels(MetricMembershipEventCount, 1.0,
		telemetry.With(mb.mLabels, telemetry.LabelReason.M(event)))
	mb.msink.SetGaugeWithLabels(MetricMembershipMembers, float32(count), mb.mLabels)
}

// learn records static addresses of a peer, gossip updates override them.
func (mb *membership) learn(id peer.ID, addrs []ma.Multiaddr) {
	mb.lk.Lock()
	defer mb.lk.Unlock()
	mb.members[id] = member{id: id, addrs: slices.Clone(addrs), key: kadKey([]byte(id))}
}

// Addrs implements `pool.AddressBook`.
func (mb *membership) Addrs(id peer.ID) []ma.Multiaddr {
	mb.lk.RLock()
	defer mb.lk.RUnlock()
	return slices.Clone(mb.members[id].addrs)
}

// FindClosestPeers returns up to `count` members, ourselves excluded,
// sorted by XOR distance between their key and the key of `key`.
func (mb *membership) FindClosestPeers(key string, count int) []peer.ID {
	if count <= 0 {
		return nil
	}
	target := kadKey([]byte(key))

	mb.lk.RLock()
	candidates := make([]member, 0, len(mb.members))
	for id, m := range mb.members {
		if id != mb.local {
			candidates = append(candidates, m)
		}
	}
	mb.lk.RUnlock()

	slices.SortFunc(candidates, func(a, b member) int {
		return compareDistance(a.key, b.key, target)
	})

	out := make([]peer.ID, 0, min(count, len(candidates)))
	for _, m := range candidates[:min(count, len(candidates))] {
		out = append(out, m.id)
	}
	return out
}

func (mb *membership) Members() []peer.ID {
	mb.lk.RLock()
	defer mb.lk.RUnlock()
	out := make([]peer.ID, 0, len(mb.members))
	for id := range mb.members {
		out = append(out, id)
	}
	return out
}

// compareDistance orders `a` and `b` by their XOR distance to `target`.
func compareDistance(a, b, target []byte) int {
	for i := range target {
		da := a[i] ^ target[i]
		db := b[i] ^ target[i]
		if da != db {
			if da < db {
				return -1
			}
			return 1
		}
	}
	return 0
}

func withLogNode(logger *slog.Logger, node *memberlist.Node) *slog.Logger {
	return logger.With(
		slog.String("node", node.Name),
		slog.String("addr", node.Address()),
	)
}
