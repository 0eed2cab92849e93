package particula

import (
	"net"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/particula/pkg/telemetry"
)

var (
	// MetricTransportDatagramInBytes represents how much bytes have been
	// received as QUIC datagrams, those carry gossip packets.
	MetricTransportDatagramInBytes        = []string{"particula", "datagram", "in", "bytes"}
	MetricTransportDatagramInErrorCount   = []string{"particula", "datagram", "in", "error", "count"}
	MetricTransportDatagramOutBytes       = []string{"particula", "datagram", "out", "bytes"}
	MetricTransportDatagramOutErrorCount  = []string{"particula", "datagram", "out", "error", "count"}
	MetricTransportStreamEstInCount       = []string{"particula", "stream", "establishment", "in", "count"}
	MetricTransportStreamEstInErrorCount  = []string{"particula", "stream", "establishment", "in", "error", "count"}
	MetricTransportStreamEstOutCount      = []string{"particula", "stream", "establishment", "out", "count"}
	MetricTransportStreamEstOutErrorCount = []string{"particula", "stream", "establishment", "out", "error", "count"}
	MetricTransportFrameInBytes           = []string{"particula", "frame", "in", "bytes"}
	MetricTransportFrameOutBytes          = []string{"particula", "frame", "out", "bytes"}
	MetricTransportUDPBufferSizeBytes     = []string{"particula", "udp", "buffer", "size", "bytes"}
	MetricTransportConnErrorCount         = []string{"particula", "connection", "error", "count"}
	MetricTransportConnEstCount           = []string{"particula", "connection", "established", "count"}

	MetricMembershipMembers    = []string{"particula", "membership", "members"}
	MetricMembershipEventCount = []string{"particula", "membership", "event", "count"}

	MetricNodeRemoteCallCount    = []string{"particula", "node", "remote", "call", "count"}
	MetricNodeTrapReportInCount  = []string{"particula", "node", "trap", "report", "in", "count"}
	MetricNodeUnreachableResults = []string{"particula", "node", "unreachable", "results", "count"}
)

func labelsForAddr(base []metrics.Label, addr net.Addr) []metrics.Label {
	if addr == nil {
		return base
	}
	return telemetry.With(base, telemetry.LabelPeerAddr.M(addr.String()))
}
