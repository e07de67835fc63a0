package brpc

// ChannelOptions is copied into the Channel at Init; later mutation of the
// caller's copy has no effect. Init only replaces a zero ConnectTimeoutMs
// and an empty Protocol with their defaults; every other zero value is taken
// literally, so use NewChannelOptions to start from the documented defaults.
type ChannelOptions struct {
	// Deadline of a single connect attempt. Always taken from the channel,
	// never overridable per call: connections are shared across channels.
	ConnectTimeoutMs int64

	// Total deadline of one CallMethod, retries and backup request included.
	// Negative means no deadline.
	TimeoutMs int64

	// If in [0, TimeoutMs), a backup attempt is launched when no response
	// arrived after this delay. Negative disables hedging.
	BackupRequestMs int64

	// Retries after the first attempt. Negative resolves to 0.
	MaxRetry int

	Protocol       string
	ConnectionType ConnectionType

	// Tolerate an initially-empty server list in naming-service mode.
	SucceedWithoutServer    bool
	LogSucceedWithoutServer bool

	Auth        Authenticator
	RetryPolicy RetryPolicy
	NSFilter    NSFilter

	// remembered by ParseConnectionType-based setters so the auto-pick of a
	// connection type can be logged
	connTypeHadError bool
}

const (
	defaultConnectTimeoutMs = 200
	defaultTimeoutMs        = 500
	defaultBackupRequestMs  = -1
	defaultMaxRetry         = 3
)

func NewChannelOptions() *ChannelOptions {
	return &ChannelOptions{
		ConnectTimeoutMs:        defaultConnectTimeoutMs,
		TimeoutMs:               defaultTimeoutMs,
		BackupRequestMs:         defaultBackupRequestMs,
		MaxRetry:                defaultMaxRetry,
		Protocol:                ProtocolStd,
		ConnectionType:          ConnTypeUnknown,
		SucceedWithoutServer:    true,
		LogSucceedWithoutServer: true,
	}
}

// SetConnectionTypeByName parses a configured name; an unknown name leaves
// the type unresolved and flags the options so InitChannelOptions logs the
// auto-picked fallback.
func (o *ChannelOptions) SetConnectionTypeByName(name string) {
	ct, err := ParseConnectionType(name)
	if err != nil {
		o.connTypeHadError = true
	}
	o.ConnectionType = ct
}

// normalize fills the fields whose zero value is senseless. Everything else
// is taken literally: construct options with NewChannelOptions to get the
// documented defaults, a hand-rolled literal means exactly what it says
// (MaxRetry 0 is "no retries", TimeoutMs 0 is "expire immediately").
func (o *ChannelOptions) normalize() {
	if o.ConnectTimeoutMs <= 0 {
		o.ConnectTimeoutMs = defaultConnectTimeoutMs
	}
	if o.Protocol == "" {
		o.Protocol = ProtocolStd
	}
}
