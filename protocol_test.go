package brpc

import (
	"strings"
	"testing"
)

func TestFindBuiltinProtocols(t *testing.T) {
	GlobalInitializeOrDie()
	for _, name := range []string{ProtocolStd, ProtocolEsp} {
		p := FindProtocol(name)
		if p == nil {
			t.Fatalf("protocol %q not registered", name)
		}
		if !p.SupportClient {
			t.Fatalf("protocol %q must support clients", name)
		}
		if findProtocolIndex(name) < 0 {
			t.Fatalf("protocol %q has no messenger index", name)
		}
	}
	if FindProtocol("no-such-protocol") != nil {
		t.Fatal("unknown protocol must not resolve")
	}
}

func TestParseConnectionType(t *testing.T) {
	if ct, err := ParseConnectionType(""); err != nil || ct != ConnTypeUnknown {
		t.Fatalf("empty name: %v %v", ct, err)
	}
	if ct, err := ParseConnectionType("pooled"); err != nil || ct != ConnTypePooled {
		t.Fatalf("pooled: %v %v", ct, err)
	}
	if _, err := ParseConnectionType("quic"); err == nil {
		t.Fatal("unknown connection type must fail")
	}
}

func TestChannelOptionsConnTypeAutoPick(t *testing.T) {
	GlobalInitializeOrDie()
	ch := NewChannel()
	if err := ch.InitChannelOptions(nil); err != nil {
		t.Fatal(err)
	}
	if ch.options.ConnectionType != ConnTypeSingle {
		t.Fatalf("std must auto-pick single, got %s", ch.options.ConnectionType)
	}
}

func TestChannelOptionsConnTypeUnsupported(t *testing.T) {
	GlobalInitializeOrDie()
	ch := NewChannel()
	opts := NewChannelOptions()
	opts.Protocol = ProtocolEsp
	opts.ConnectionType = ConnTypePooled
	err := ch.InitChannelOptions(opts)
	if err == nil {
		t.Fatal("esp does not support pooled connections")
	}
	if !strings.Contains(err.Error(), "connection type") &&
		!strings.Contains(err.Error(), "connection_type") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestEspInstallsGlobalAuthenticator(t *testing.T) {
	GlobalInitializeOrDie()
	ch := NewChannel()
	opts := NewChannelOptions()
	opts.Protocol = ProtocolEsp
	if err := ch.InitChannelOptions(opts); err != nil {
		t.Fatal(err)
	}
	if ch.options.Auth != GlobalEspAuthenticator() {
		t.Fatal("esp channel without auth must adopt the global esp authenticator")
	}
}

func TestEspKeepsExplicitAuthenticator(t *testing.T) {
	GlobalInitializeOrDie()
	ch := NewChannel()
	opts := NewChannelOptions()
	opts.Protocol = ProtocolEsp
	own := espAuthenticator{}
	opts.Auth = own
	if err := ch.InitChannelOptions(opts); err != nil {
		t.Fatal(err)
	}
	if ch.options.Auth != own {
		t.Fatal("explicit authenticator must be kept")
	}
}

func TestProtocolUnknownFailsInit(t *testing.T) {
	GlobalInitializeOrDie()
	ch := NewChannel()
	opts := NewChannelOptions()
	opts.Protocol = "martian"
	if err := ch.InitChannelOptions(opts); err == nil {
		t.Fatal("unknown protocol must fail InitChannelOptions")
	}
}
