package bus

import (
	"testing"
	"time"
)

func TestBus_PublishSubscribeOrder(t *testing.T) {
	b := New(16, 100*time.Millisecond, nil)
	defer b.Close()

	ch := b.Subscribe("t")
	for i := 0; i < 5; i++ {
		b.Publish("t", i)
	}

	for want := 0; want < 5; want++ {
		select {
		case env := <-ch:
			if env.Payload.(int) != want {
				t.Fatalf("out of order: got %v, want %d", env.Payload, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for message")
		}
	}
}

func TestBus_EachSubscriberGetsOwnQueue(t *testing.T) {
	b := New(16, 100*time.Millisecond, nil)
	defer b.Close()

	a := b.Subscribe("t")
	c := b.Subscribe("t")
	b.Publish("t", "x")

	for _, ch := range []<-chan Envelope{a, c} {
		select {
		case env := <-ch:
			if env.Payload.(string) != "x" {
				t.Fatalf("payload = %v, want x", env.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("subscriber did not receive message")
		}
	}
}

func TestBus_OverflowDropsOldestForSlowSubscriber(t *testing.T) {
	b := New(2, 10*time.Millisecond, nil)
	defer b.Close()

	ch := b.Subscribe("t")
	b.Publish("t", 1)
	b.Publish("t", 2)
	b.Publish("t", 3) // queue full: should drop 1 after the deadline

	if got := b.Dropped(); got != 1 {
		t.Fatalf("Dropped() = %d, want 1", got)
	}

	env := <-ch
	if env.Payload.(int) != 2 {
		t.Fatalf("first surviving message = %v, want 2", env.Payload)
	}
	env = <-ch
	if env.Payload.(int) != 3 {
		t.Fatalf("second surviving message = %v, want 3", env.Payload)
	}
}

func TestBus_CloseTopicFlushesThenEndsStream(t *testing.T) {
	b := New(16, 100*time.Millisecond, nil)
	defer b.Close()

	ch := b.Subscribe("t")
	b.Publish("t", "last")
	b.CloseTopic("t")

	env, ok := <-ch
	if !ok {
		t.Fatal("expected buffered message before close")
	}
	if env.Payload.(string) != "last" {
		t.Fatalf("payload = %v, want last", env.Payload)
	}

	if _, ok := <-ch; ok {
		t.Fatal("expected end-of-stream after flush")
	}
}

func TestBus_PublishAfterCloseIsNoop(t *testing.T) {
	b := New(16, 100*time.Millisecond, nil)
	b.Close()
	b.Publish("t", 1) // must not panic
}

func TestBus_OnDropCallback(t *testing.T) {
	b := New(1, 5*time.Millisecond, nil)
	defer b.Close()

	var topics []string
	b.OnDrop(func(topic string) { topics = append(topics, topic) })

	b.Subscribe("t")
	b.Publish("t", 1)
	b.Publish("t", 2)

	if len(topics) != 1 || topics[0] != "t" {
		t.Fatalf("onDrop calls = %v, want [t]", topics)
	}
}
