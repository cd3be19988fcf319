package control

import "testing"

func TestTimersFireInOrder(t *testing.T) {
	tq := newTimers()
	var order []int

	tq.schedule(30, func() { order = append(order, 3) })
	tq.schedule(10, func() { order = append(order, 1) })
	tq.schedule(20, func() { order = append(order, 2) })

	tq.fireDue(25)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("fireDue(25) = %v, want [1 2]", order)
	}

	tq.fireDue(100)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("fireDue(100) = %v, want [1 2 3]", order)
	}
}

func TestTimersTieBreakIsFIFO(t *testing.T) {
	tq := newTimers()
	var order []int
	tq.schedule(10, func() { order = append(order, 1) })
	tq.schedule(10, func() { order = append(order, 2) })
	tq.schedule(10, func() { order = append(order, 3) })

	tq.fireDue(10)
	want := []int{1, 2, 3}
	for i, v := range want {
		if order[i] != v {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestNextDeadline(t *testing.T) {
	tq := newTimers()
	if _, ok := tq.nextDeadline(); ok {
		t.Fatal("empty queue reported a deadline")
	}
	tq.schedule(50, func() {})
	tq.schedule(20, func() {})
	d, ok := tq.nextDeadline()
	if !ok || d != 20 {
		t.Fatalf("nextDeadline() = %d, %v, want 20, true", d, ok)
	}
}
