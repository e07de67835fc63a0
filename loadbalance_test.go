package brpc

import "testing"

func TestRoundRobinCycles(t *testing.T) {
	lb := &roundRobinLB{}
	lb.AddServer(1)
	lb.AddServer(2)
	lb.AddServer(3)

	seen := make(map[SocketId]int)
	for i := 0; i < 6; i++ {
		id, needFeedback, err := lb.SelectServer(SelectIn{})
		if err != nil {
			t.Fatal(err)
		}
		if needFeedback {
			t.Fatal("round robin wants no feedback")
		}
		seen[id]++
	}
	for id := SocketId(1); id <= 3; id++ {
		if seen[id] != 2 {
			t.Fatalf("uneven selection: %v", seen)
		}
	}
}

func TestRoundRobinSkipsExcluded(t *testing.T) {
	lb := &roundRobinLB{}
	lb.AddServer(1)
	lb.AddServer(2)

	for i := 0; i < 4; i++ {
		id, _, err := lb.SelectServer(SelectIn{Excluded: []SocketId{1}})
		if err != nil {
			t.Fatal(err)
		}
		if id == 1 {
			t.Fatal("excluded server selected")
		}
	}
}

func TestRoundRobinAllExcludedFallsBack(t *testing.T) {
	lb := &roundRobinLB{}
	lb.AddServer(1)
	id, _, err := lb.SelectServer(SelectIn{Excluded: []SocketId{1}})
	if err != nil {
		t.Fatal(err)
	}
	if id != 1 {
		t.Fatal("with everything excluded the balancer still answers")
	}
}

func TestRoundRobinEmpty(t *testing.T) {
	lb := &roundRobinLB{}
	if _, _, err := lb.SelectServer(SelectIn{}); err == nil {
		t.Fatal("empty server set must fail")
	}
}

func TestRemoveServer(t *testing.T) {
	lb := &roundRobinLB{}
	lb.AddServer(1)
	lb.AddServer(2)
	lb.RemoveServer(1)
	if lb.Weight() != 1 {
		t.Fatalf("weight: %d", lb.Weight())
	}
	for i := 0; i < 3; i++ {
		id, _, _ := lb.SelectServer(SelectIn{})
		if id != 2 {
			t.Fatalf("selected removed server")
		}
	}
	lb.AddServer(2) // duplicate add is a no-op
	if lb.Weight() != 1 {
		t.Fatalf("duplicate add changed weight: %d", lb.Weight())
	}
}

func TestRandomSelects(t *testing.T) {
	lb := &randomLB{}
	lb.AddServer(5)
	lb.AddServer(6)
	for i := 0; i < 20; i++ {
		id, _, err := lb.SelectServer(SelectIn{})
		if err != nil {
			t.Fatal(err)
		}
		if id != 5 && id != 6 {
			t.Fatalf("unknown server %d", id)
		}
	}
}

func TestNewLoadBalancerByName(t *testing.T) {
	GlobalInitializeOrDie()
	for _, name := range []string{"round_robin", "rr", "random"} {
		if _, err := newLoadBalancerByName(name); err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}
	if _, err := newLoadBalancerByName("la"); err == nil {
		t.Fatal("unregistered balancer must fail")
	}
}
