package gear

import (
	"strconv"

	"github.com/bbrodriges/gear/proto"
	"go.uber.org/zap"
)

// registerCommonHandlers installs the ECHO_RES and ERROR handlers shared
// verbatim by Client and Worker.
func registerCommonHandlers(b *base) {
	b.registerHandler(proto.ECHO_RES, handleEchoRes)
	b.registerHandler(proto.ERROR, func(pkt *proto.Packet, conn *Connection) { handleError(b, pkt, conn) })
}

func handleEchoRes(pkt *proto.Packet, conn *Connection) {
	conn.handleEchoRes(pkt.Argument(0, true))
}

func handleError(b *base, pkt *proto.Packet, conn *Connection) {
	b.logger.Error("received ERROR packet",
		zap.ByteString("code", pkt.Argument(0, false)),
		zap.ByteString("message", pkt.Argument(1, false)))
	t, ok := conn.PopPendingTask()
	if !ok {
		b.logger.Error("ERROR packet with no pending task", zap.Stringer("connection", conn))
		b.lostConnection(conn)
		return
	}
	t.setComplete()
}

// fraction computes numerator/denominator as a float, returning nil if
// either value does not parse (mirroring the original's best-effort
// completion ratio, which is nil whenever the server sends non-numeric
// placeholders).
func fraction(numerator, denominator []byte) *float64 {
	n, err1 := strconv.ParseFloat(string(numerator), 64)
	d, err2 := strconv.ParseFloat(string(denominator), 64)
	if err1 != nil || err2 != nil || d == 0 {
		return nil
	}
	f := n / d
	return &f
}
