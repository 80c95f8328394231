package protocol

// Register announces a host to the relay.
type Register struct {
	Version    uint16   `cbor:"v"`
	MachineID  uint32   `cbor:"id"`
	Secret     []byte   `cbor:"secret"`
	Candidates []string `cbor:"candidates,omitempty"`
}

// RegisterAck confirms a registration.
type RegisterAck struct {
	Generation          uint64 `cbor:"gen"`
	ObservedAddr        string `cbor:"observed,omitempty"`
	HeartbeatIntervalMs int64  `cbor:"hb"`
}

// Heartbeat refreshes a route.
type Heartbeat struct {
	MachineID  uint32 `cbor:"id"`
	Generation uint64 `cbor:"gen"`
}

// HeartbeatAck acknowledges a heartbeat.
type HeartbeatAck struct {
	Generation uint64 `cbor:"gen"`
}

// Superseded tells a host its registration was replaced by a newer one.
type Superseded struct {
	Generation uint64 `cbor:"gen"`
}

// ConnectRequest asks the relay to broker a session with TargetID.
type ConnectRequest struct {
	Version    uint16   `cbor:"v"`
	TargetID   uint32   `cbor:"target"`
	Candidates []string `cbor:"candidates,omitempty"`
}

// ConnectOffer notifies a host of a pending client.
type ConnectOffer struct {
	BrokerID         string   `cbor:"broker"`
	ClientAddr       string   `cbor:"client_addr,omitempty"`
	ClientCandidates []string `cbor:"client_candidates,omitempty"`
}

// ConnectAnswer is the host's reply to an offer.
type ConnectAnswer struct {
	BrokerID   string    `cbor:"broker"`
	Candidates []string  `cbor:"candidates,omitempty"`
	Code       ErrorCode `cbor:"code,omitempty"`
}

// ConnectInfo gives the client the host's candidates for a direct attempt.
type ConnectInfo struct {
	BrokerID        string   `cbor:"broker"`
	HostCandidates  []string `cbor:"candidates,omitempty"`
	DirectTimeoutMs int64    `cbor:"direct_timeout"`
}

// ConnectResult reports the outcome of the client's direct attempt.
type ConnectResult struct {
	BrokerID string `cbor:"broker"`
	Direct   bool   `cbor:"direct"`
}

// ForwardStart tells both sides to bind forwarding legs.
type ForwardStart struct {
	BrokerID   string `cbor:"broker"`
	ClientAddr string `cbor:"client_addr,omitempty"`
}

// Forwarding leg roles.
const (
	RoleClient uint8 = 1
	RoleHost   uint8 = 2
)

// ForwardBind attaches a stream to a brokered forwarding session.
type ForwardBind struct {
	BrokerID string `cbor:"broker"`
	Role     uint8  `cbor:"role"`
}

// ForwardReady signals that both legs are bound; after it the stream carries
// opaque session frames.
type ForwardReady struct {
	BrokerID string `cbor:"broker"`
}

// RelayError reports a failure.
type RelayError struct {
	Code    ErrorCode `cbor:"code"`
	Message string    `cbor:"msg,omitempty"`
}

// Err converts the relay error into a Go error.
func (e *RelayError) Err() error {
	return e.Code.Err(e.Message)
}
