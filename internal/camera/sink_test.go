package camera

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChannelSink_DropsOldestWhenFull(t *testing.T) {
	sink := NewChannelSink(2)
	sink.Send("a")
	sink.Send("b")
	sink.Send("c")

	got := []string{<-sink.Frames(), <-sink.Frames()}
	if got[0] != "b" || got[1] != "c" {
		t.Errorf("Expected [b c], got %v", got)
	}
}

func TestChannelSink_FinishOnce(t *testing.T) {
	sink := NewChannelSink(1)
	want := errors.New("disconnected")
	sink.Fail(want)
	sink.Close()
	sink.Send("ignored")

	select {
	case <-sink.Done():
	default:
		t.Fatal("Expected sink to be done")
	}
	if !errors.Is(sink.Err(), want) {
		t.Errorf("Expected %v, got %v", want, sink.Err())
	}
	select {
	case f := <-sink.Frames():
		t.Errorf("Expected no frame after finish, got %q", f)
	default:
	}
}

func TestOneShot(t *testing.T) {
	o := newOneShot[string]()
	o.succeed("first")
	o.fail(errors.New("ignored"))

	v, err := o.wait(context.Background())
	if err != nil || v != "first" {
		t.Errorf("Expected first, got %q %v", v, err)
	}

	pending := newOneShot[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := pending.wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected DeadlineExceeded, got %v", err)
	}
}
