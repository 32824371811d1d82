package mqtt

import "testing"

func TestPlenaryAckFiresWhenAllMembersSettleAfterCommence(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := NewPlenaryAck(func() { fired <- struct{}{} })

	m1 := p.CreateMember()
	m2 := p.CreateMember()

	m1.Ack()
	select {
	case <-fired:
		t.Fatal("should not fire before Commence")
	default:
	}

	p.Commence()
	select {
	case <-fired:
		t.Fatal("should not fire until all members settle")
	default:
	}

	m2.Ack()
	select {
	case <-fired:
	default:
		t.Fatal("expected fire after all members settled post-commence")
	}
}

func TestPlenaryAckFiresImmediatelyIfAlreadySettled(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := NewPlenaryAck(func() { fired <- struct{}{} })

	m := p.CreateMember()
	m.Ack()
	p.Commence()

	select {
	case <-fired:
	default:
		t.Fatal("expected immediate fire on Commence when already settled")
	}
}

func TestPlenaryAckFiresOnceOnlyOnDoubleAck(t *testing.T) {
	count := 0
	p := NewPlenaryAck(func() { count++ })
	m := p.CreateMember()
	p.Commence()
	m.Ack()
	m.Ack()
	if count != 1 {
		t.Fatalf("onComplete fired %d times, want 1", count)
	}
}

func TestPlenaryAckNoMembersFiresOnCommence(t *testing.T) {
	fired := false
	p := NewPlenaryAck(func() { fired = true })
	p.Commence()
	if !fired {
		t.Fatal("expected immediate fire for a zero-member plenary ack (e.g. QoS 0)")
	}
}

func TestPlenaryAckCreateMemberAfterCommencePanics(t *testing.T) {
	p := NewPlenaryAck(func() {})
	p.Commence()
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic creating a member after Commence")
		}
	}()
	p.CreateMember()
}
