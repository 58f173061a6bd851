package live

import (
	"testing"
	"time"

	"github.com/roastery/ingest/internal/envelope"
)

func origin(machine string) envelope.Origin {
	return envelope.Origin{OrgID: "acme", SiteID: "main-st", MachineID: machine}
}

func TestAddAndQueryNewestFirst(t *testing.T) {
	s := NewStream(10, 4)
	s.Add(Item{Origin: origin("r1"), Payload: 1})
	s.Add(Item{Origin: origin("r1"), Payload: 2})
	s.Add(Item{Origin: origin("r1"), Payload: 3})

	out := s.Query(Filter{}, 0)
	if len(out) != 3 || out[0].Payload != 3 || out[2].Payload != 1 {
		t.Fatalf("expected newest-first order, got %+v", out)
	}
}

func TestQueryRespectsFilterAndLimit(t *testing.T) {
	s := NewStream(10, 4)
	s.Add(Item{Origin: origin("r1"), Payload: "a"})
	s.Add(Item{Origin: origin("r2"), Payload: "b"})
	s.Add(Item{Origin: origin("r1"), Payload: "c"})

	out := s.Query(Filter{MachineID: "r1"}, 1)
	if len(out) != 1 || out[0].Payload != "c" {
		t.Fatalf("expected single newest r1 item, got %+v", out)
	}
}

func TestCapacityEvictsOldest(t *testing.T) {
	s := NewStream(2, 4)
	s.Add(Item{Origin: origin("r1"), Payload: 1})
	s.Add(Item{Origin: origin("r1"), Payload: 2})
	s.Add(Item{Origin: origin("r1"), Payload: 3})

	out := s.Query(Filter{}, 0)
	if len(out) != 2 {
		t.Fatalf("expected capacity to bound stored items at 2, got %d", len(out))
	}
	if out[0].Payload != 3 || out[1].Payload != 2 {
		t.Errorf("expected the oldest item evicted, leaving 3 then 2, got %+v", out)
	}
}

func TestSubscribeDeliversMatchingItemsInOrder(t *testing.T) {
	s := NewStream(10, 4)
	sub := s.Subscribe(Filter{MachineID: "r1"})
	defer sub.Unsubscribe()

	s.Add(Item{Origin: origin("r1"), Payload: 1})
	s.Add(Item{Origin: origin("r2"), Payload: 99})
	s.Add(Item{Origin: origin("r1"), Payload: 2})

	first := <-sub.C()
	second := <-sub.C()
	if first.Payload != 1 || second.Payload != 2 {
		t.Fatalf("expected ordered matching delivery, got %v then %v", first.Payload, second.Payload)
	}
}

func TestSlowSubscriberDropsOldestWithoutBlockingAdd(t *testing.T) {
	s := NewStream(100, 2)
	sub := s.Subscribe(Filter{})
	defer sub.Unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			s.Add(Item{Origin: origin("r1"), Payload: i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Add blocked on a slow subscriber")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s := NewStream(10, 4)
	sub := s.Subscribe(Filter{})
	sub.Unsubscribe()

	s.Add(Item{Origin: origin("r1"), Payload: 1})

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected no delivery after unsubscribe")
		}
	case <-time.After(50 * time.Millisecond):
	}
}
