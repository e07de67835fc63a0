package brpc

import (
	"fmt"
	"io"
	"strings"
	"testing"
)

func TestChannelInitSingleServer(t *testing.T) {
	ch := NewChannel()
	if err := ch.Init("127.0.0.1:9100", nil); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if !ch.SingleServer() {
		t.Fatal("must be single server")
	}
	if got := socketMapRefCount(Endpoint{Host: "127.0.0.1", Port: 9100}); got != 1 {
		t.Fatalf("socket map reference: %d", got)
	}

	var sb strings.Builder
	ch.Describe(&sb, DescribeOptions{})
	if sb.String() != "Channel[127.0.0.1:9100]" {
		t.Fatalf("describe: %s", sb.String())
	}
	if ch.Weight() != 0 {
		t.Fatal("single-server weight must be 0")
	}
	if err := ch.CheckHealth(); err != nil {
		t.Fatalf("fresh socket must be healthy: %v", err)
	}
}

func TestChannelCloseReleasesSocketMapRef(t *testing.T) {
	ep := Endpoint{Host: "127.0.0.1", Port: 9101}
	ch := NewChannel()
	if err := ch.InitWithEndpoint(ep, nil); err != nil {
		t.Fatal(err)
	}
	if got := socketMapRefCount(ep); got != 1 {
		t.Fatalf("refcount: %d", got)
	}
	ch.Close()
	if got := socketMapRefCount(ep); got != 0 {
		t.Fatalf("refcount after close: %d", got)
	}
	ch.Close() // idempotent
}

func TestChannelInitWithHostPort(t *testing.T) {
	ch := NewChannel()
	if err := ch.InitWithHostPort("127.0.0.1", 9102, nil); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if ch.serverAddress.Port != 9102 {
		t.Fatalf("port: %d", ch.serverAddress.Port)
	}
}

func TestChannelInitInvalidPort(t *testing.T) {
	ch := NewChannel()
	if err := ch.InitWithEndpoint(Endpoint{Host: "127.0.0.1", Port: 65536}, nil); err == nil {
		t.Fatal("port 65536 must fail")
	}
}

func TestChannelInitNamingURLHint(t *testing.T) {
	ch := NewChannel()
	err := ch.Init("list://127.0.0.1:9103", nil)
	if err == nil {
		t.Fatal("naming url must not init a single-server channel")
	}
	if !strings.Contains(err.Error(), "InitWithNaming") {
		t.Fatalf("error must point at the naming overload: %v", err)
	}
}

func TestChannelInitGarbageAddress(t *testing.T) {
	ch := NewChannel()
	if err := ch.Init("definitely not an address", nil); err == nil {
		t.Fatal("garbage address must fail")
	}
}

func TestChannelInitWithNamingEmptyLbName(t *testing.T) {
	// an empty balancer name degrades to the single-server Init
	ch := NewChannel()
	if err := ch.InitWithNaming("127.0.0.1:9104", "", nil); err != nil {
		t.Fatal(err)
	}
	defer ch.Close()
	if !ch.SingleServer() {
		t.Fatal("empty lb name must behave like Init(addr)")
	}
}

func TestChannelInitWithNamingList(t *testing.T) {
	ch := NewChannel()
	err := ch.InitWithNaming("list://127.0.0.1:9105,127.0.0.1:9106", "round_robin", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if ch.SingleServer() {
		t.Fatal("naming mode must not be single server")
	}
	if ch.Weight() != 2 {
		t.Fatalf("weight: %d", ch.Weight())
	}
	var sb strings.Builder
	ch.Describe(&sb, DescribeOptions{})
	if !strings.HasPrefix(sb.String(), "Channel[round_robin") {
		t.Fatalf("describe: %s", sb.String())
	}
	if err := ch.CheckHealth(); err != nil {
		t.Fatalf("health: %v", err)
	}
}

func TestChannelInitWithNamingUnknownBalancer(t *testing.T) {
	ch := NewChannel()
	if err := ch.InitWithNaming("list://127.0.0.1:9107", "best_effort_guess", nil); err == nil {
		t.Fatal("unknown balancer must fail")
	}
}

func TestChannelInitWithNamingEmptySet(t *testing.T) {
	// tolerated by default
	ch := NewChannel()
	if err := ch.InitWithNaming("list://", "round_robin", nil); err != nil {
		t.Fatalf("succeed_without_server defaults to true: %v", err)
	}
	ch.Close()

	// refused when the caller opted out
	opts := NewChannelOptions()
	opts.SucceedWithoutServer = false
	ch2 := NewChannel()
	if err := ch2.InitWithNaming("list://", "round_robin", opts); err == nil {
		t.Fatal("empty server set must fail with SucceedWithoutServer=false")
	}
}

type feedbackCountingLB struct {
	serverList
	feedbacks int32
}

func (lb *feedbackCountingLB) SelectServer(in SelectIn) (SocketId, bool, error) {
	lb.mu.RLock()
	defer lb.mu.RUnlock()
	id, err := lb.pick(0, in)
	if err != nil {
		return InvalidSocketId, false, err
	}
	return id, true, nil
}

func (lb *feedbackCountingLB) Feedback(info CallInfo) {
	lb.feedbacks++
}

func (lb *feedbackCountingLB) Describe(w io.Writer, opt DescribeOptions) {
	fmt.Fprintf(w, "feedback_counting{n=%d}", lb.Weight())
}

func TestCheckHealthFeedsBackCancel(t *testing.T) {
	GlobalInitializeOrDie()
	lb := &feedbackCountingLB{}
	RegisterLoadBalancer("feedback_counting_test", func() LoadBalancer { return lb })

	ch := NewChannel()
	err := ch.InitWithNaming("list://127.0.0.1:9108", "feedback_counting_test", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if err := ch.CheckHealth(); err != nil {
		t.Fatal(err)
	}
	if lb.feedbacks != 1 {
		t.Fatalf("exactly one feedback expected, got %d", lb.feedbacks)
	}
}
