package brpc

import (
	"strings"
	"testing"
)

func TestStr2Endpoint(t *testing.T) {
	ep, err := str2Endpoint("127.0.0.1:9000")
	if err != nil {
		t.Fatal(err)
	}
	if ep.Host != "127.0.0.1" || ep.Port != 9000 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
	if ep.String() != "127.0.0.1:9000" {
		t.Fatalf("round trip: %s", ep.String())
	}
}

func TestStr2EndpointIPv6(t *testing.T) {
	ep, err := str2Endpoint("[::1]:9000")
	if err != nil {
		t.Fatal(err)
	}
	if ep.Port != 9000 {
		t.Fatalf("unexpected endpoint %+v", ep)
	}
	if !strings.Contains(ep.String(), "[") {
		t.Fatalf("ipv6 must be bracketed: %s", ep.String())
	}
}

func TestStr2EndpointRejectsHostname(t *testing.T) {
	if _, err := str2Endpoint("localhost:80"); err == nil {
		t.Fatal("hostnames belong to hostname2Endpoint")
	}
}

func TestEndpointPortRange(t *testing.T) {
	if _, err := str2Endpoint("127.0.0.1:65536"); err == nil {
		t.Fatal("port 65536 must fail")
	}
	if _, err := str2Endpoint("127.0.0.1:-1"); err == nil {
		t.Fatal("negative port must fail")
	}
	if _, err := str2Endpoint("127.0.0.1:65535"); err != nil {
		t.Fatal("port 65535 is valid")
	}
}

func TestEndpointNoPort(t *testing.T) {
	if _, err := str2Endpoint("127.0.0.1"); err == nil {
		t.Fatal("missing port must fail")
	}
}
