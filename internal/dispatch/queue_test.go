package dispatch

import "testing"

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	if _, ok := q.Front(); ok {
		t.Fatalf("empty queue has a front")
	}
	q.Append(textItems(3, "x")...)
	if q.Len() != 3 {
		t.Fatalf("len=%d want 3", q.Len())
	}
	front, _ := q.Front()
	if front.To.Username != "m1" || q.Len() != 3 {
		t.Fatalf("front=%v len=%d", front.To, q.Len())
	}
	for _, want := range []string{"m1", "m2", "m3"} {
		it, ok := q.PopFront()
		if !ok || it.To.Username != want {
			t.Fatalf("pop=%v ok=%v want %s", it.To, ok, want)
		}
	}
	if _, ok := q.PopFront(); ok {
		t.Fatalf("pop on empty queue succeeded")
	}
}

func TestQueueCompactKeepsOrder(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Append(textItems(200, "x")...)
	for i := 0; i < 150; i++ {
		q.PopFront()
	}
	q.Append(Item{To: Recipient{UserID: 1, Username: "tail"}, Payload: Single(Part{Text: "t"})})
	if q.Len() != 51 {
		t.Fatalf("len=%d want 51", q.Len())
	}
	it, _ := q.PopFront()
	if it.To.Username != "m151" {
		t.Fatalf("head=%s want m151", it.To.Username)
	}
	for q.Len() > 1 {
		q.PopFront()
	}
	it, _ = q.PopFront()
	if it.To.Username != "tail" {
		t.Fatalf("last=%s want tail", it.To.Username)
	}
}

func TestQueueClear(t *testing.T) {
	t.Parallel()

	q := NewQueue()
	q.Append(textItems(4, "x")...)
	q.PopFront()
	if n := q.Clear(); n != 3 {
		t.Fatalf("cleared %d want 3", n)
	}
	if q.Len() != 0 {
		t.Fatalf("len=%d after clear", q.Len())
	}
	if n := q.Clear(); n != 0 {
		t.Fatalf("second clear dropped %d", n)
	}
}
