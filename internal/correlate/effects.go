package correlate

// Effect is an outbound notification produced while handling a packet.
// The concrete types are SendAck, SendAckTime, Completed and Expired.
type Effect interface {
	effect()
}

// SendAck asks the transport to send an Ack packet for Key back to Key.Src.
// Emitted by the recipient when it observes an inbound Data packet.
type SendAck struct {
	Key          ExchangeKey
	DestReceived Timestamp
}

// SendAckTime asks the transport to send an AckTime packet for Key back to
// Key.Src. Emitted by the recipient when it observes its own Ack go out.
type SendAckTime struct {
	Key      ExchangeKey
	DestSent Timestamp
}

// Completed carries a fully timestamped record. It is emitted once per key,
// only on the originator.
type Completed struct {
	Record Record
}

// Expired carries a record dropped by the expiry sweep before it completed.
type Expired struct {
	Record Record
}

func (SendAck) effect()     {}
func (SendAckTime) effect() {}
func (Completed) effect()   {}
func (Expired) effect()     {}
