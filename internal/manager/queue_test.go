package manager

import (
	"reflect"
	"testing"
)

func TestMessageQueue_FIFO(t *testing.T) {
	q := &messageQueue{}
	if _, ok := q.pop(); ok {
		t.Fatal("pop on an empty queue returned an item")
	}

	q.enqueue(queuedItem{placeholderID: "p1", text: "one"})
	q.enqueue(queuedItem{placeholderID: "p2", text: "two"})
	q.enqueue(queuedItem{placeholderID: "p3", text: "three"})
	if q.size() != 3 {
		t.Fatalf("size = %d, want 3", q.size())
	}

	var texts []string
	for {
		it, ok := q.pop()
		if !ok {
			break
		}
		texts = append(texts, it.text)
	}
	if !reflect.DeepEqual(texts, []string{"one", "two", "three"}) {
		t.Errorf("pop order = %v, want insertion order", texts)
	}
	if q.size() != 0 {
		t.Errorf("size = %d after draining, want 0", q.size())
	}
}

func TestMessageQueue_Clear(t *testing.T) {
	q := &messageQueue{}
	if ids := q.clear(); ids != nil {
		t.Errorf("clear on an empty queue = %v, want nil", ids)
	}

	q.enqueue(queuedItem{placeholderID: "p1"})
	q.enqueue(queuedItem{placeholderID: "p2"})
	ids := q.clear()
	if !reflect.DeepEqual(ids, []string{"p1", "p2"}) {
		t.Errorf("clear returned %v, want the placeholder ids", ids)
	}
	if q.size() != 0 {
		t.Errorf("size = %d after clear, want 0", q.size())
	}
}
