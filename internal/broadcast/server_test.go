package broadcast

import (
	"bufio"
	"bytes"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/SooratiLab/vicon/internal/mocap"
	"github.com/SooratiLab/vicon/internal/testutil"
)

func newTestServer(t *testing.T, cfg ServerConfig) *Server {
	t.Helper()
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:0"
	}
	s := NewServer(cfg, mocap.Serializer{Mode: mocap.ModeAll})
	if err := s.Start(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialTestServer(t *testing.T, s *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("failed to dial server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func frameWithSubjects(n int, frameNumber int64) *mocap.Frame {
	f := &mocap.Frame{FrameNumber: frameNumber, Timestamp: float64(frameNumber)}
	for i := 0; i < n; i++ {
		f.Subjects = append(f.Subjects, mocap.Subject{
			Name: fmt.Sprintf("TB%02d", i),
			Segments: []mocap.Segment{{
				Name:     "base",
				Position: mocap.Position{X: float64(i), Y: 2, Z: 3},
			}},
		})
	}
	return f
}

func TestPublishFanOutIsByteIdentical(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	c1 := dialTestServer(t, s)
	c2 := dialTestServer(t, s)
	testutil.Eventually(t, time.Second, func() bool { return s.ClientCount() == 2 }, "both clients registered")

	for i := int64(1); i <= 3; i++ {
		if err := s.Publish(frameWithSubjects(2, i)); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	r1 := bufio.NewScanner(c1)
	r2 := bufio.NewScanner(c2)
	for i := 0; i < 3; i++ {
		if !r1.Scan() || !r2.Scan() {
			t.Fatalf("message %d missing: %v / %v", i, r1.Err(), r2.Err())
		}
		if !bytes.Equal(r1.Bytes(), r2.Bytes()) {
			t.Errorf("message %d differs between subscribers:\n%s\n%s", i, r1.Bytes(), r2.Bytes())
		}
		msg, err := mocap.DecodeMessage(r1.Bytes())
		if err != nil {
			t.Fatalf("message %d undecodable: %v", i, err)
		}
		if msg.FrameNumber != int64(i+1) {
			t.Errorf("message %d frame_number = %d, want %d", i, msg.FrameNumber, i+1)
		}
	}
}

func TestLateJoinerReceivesOnlySubsequentFrames(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	if err := s.Publish(frameWithSubjects(1, 1)); err != nil {
		t.Fatal(err)
	}

	c := dialTestServer(t, s)
	testutil.Eventually(t, time.Second, func() bool { return s.ClientCount() == 1 }, "client registered")

	if err := s.Publish(frameWithSubjects(1, 2)); err != nil {
		t.Fatal(err)
	}

	scan := bufio.NewScanner(c)
	if !scan.Scan() {
		t.Fatalf("no message received: %v", scan.Err())
	}
	msg, err := mocap.DecodeMessage(scan.Bytes())
	if err != nil {
		t.Fatal(err)
	}
	// No backlog replay: the first message the late joiner sees is frame 2.
	if msg.FrameNumber != 2 {
		t.Errorf("first message frame_number = %d, want 2", msg.FrameNumber)
	}
}

func TestSlowSubscriberEvictedOthersUnaffected(t *testing.T) {
	s := newTestServer(t, ServerConfig{
		QueueSize:    1,
		WriteTimeout: 100 * time.Millisecond,
	})

	slow := dialTestServer(t, s) // never reads
	_ = slow
	healthy := dialTestServer(t, s)
	testutil.Eventually(t, time.Second, func() bool { return s.ClientCount() == 2 }, "both clients registered")

	// Hammer large frames until the slow client's socket and queue fill up
	// and it gets evicted. The healthy client drains concurrently.
	done := make(chan struct{})
	received := make(chan int, 1)
	go func() {
		defer close(done)
		n := 0
		scan := bufio.NewScanner(healthy)
		scan.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
		for scan.Scan() {
			n++
		}
		received <- n
	}()

	big := frameWithSubjects(500, 0) // ~50KB per payload
	evicted := false
	for i := int64(1); i <= 400 && !evicted; i++ {
		big.FrameNumber = i
		if err := s.Publish(big); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
		// Pace publishes so the draining subscriber keeps up; only the one
		// that never reads falls behind.
		time.Sleep(2 * time.Millisecond)
		evicted = s.ClientCount() == 1
	}
	if !evicted {
		testutil.Eventually(t, 2*time.Second, func() bool { return s.ClientCount() == 1 }, "slow client evicted")
	}

	// The healthy subscriber keeps receiving after the eviction.
	if err := s.Publish(frameWithSubjects(1, 999)); err != nil {
		t.Fatal(err)
	}
	s.Stop() // closes healthy conn so the reader goroutine finishes
	<-done
	if n := <-received; n == 0 {
		t.Error("healthy subscriber received nothing")
	}
	if got := s.Stats().Evicted; got != 1 {
		t.Errorf("evicted count = %d, want 1", got)
	}
}

func TestStopClosesSubscribersAndIsIdempotent(t *testing.T) {
	s := newTestServer(t, ServerConfig{})
	c := dialTestServer(t, s)
	testutil.Eventually(t, time.Second, func() bool { return s.ClientCount() == 1 }, "client registered")

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := c.Read(buf); err == nil {
		t.Error("read after Stop succeeded, want closed connection")
	}

	// Publishing after Stop is a silent no-op, not a panic.
	if err := s.Publish(frameWithSubjects(1, 1)); err != nil {
		t.Fatalf("publish after stop: %v", err)
	}
}

func TestInProcessSubscribe(t *testing.T) {
	s := newTestServer(t, ServerConfig{})

	id, ch := s.Subscribe()
	if err := s.Publish(frameWithSubjects(1, 7)); err != nil {
		t.Fatal(err)
	}

	select {
	case payload := <-ch:
		msg, err := mocap.DecodeMessage(payload)
		if err != nil {
			t.Fatal(err)
		}
		if msg.FrameNumber != 7 {
			t.Errorf("frame_number = %d, want 7", msg.FrameNumber)
		}
	case <-time.After(time.Second):
		t.Fatal("in-process subscriber received nothing")
	}

	s.Unsubscribe(id)
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestPublishDuringViewerChurn(t *testing.T) {
	s := newTestServer(t, ServerConfig{})
	frame := frameWithSubjects(1, 1)

	// Publish as fast as possible while viewers register and disconnect.
	// Unsubscribe closes the viewer's channel; a publish racing that close
	// must never panic the fan-out.
	stop := make(chan struct{})
	panicked := make(chan interface{}, 1)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() {
			if r := recover(); r != nil {
				panicked <- r
			}
		}()
		for {
			select {
			case <-stop:
				return
			default:
				if err := s.Publish(frame); err != nil {
					t.Errorf("publish: %v", err)
					return
				}
			}
		}
	}()

	for i := 0; i < 1000; i++ {
		id, _ := s.Subscribe()
		s.Unsubscribe(id)
	}
	close(stop)
	wg.Wait()

	select {
	case r := <-panicked:
		t.Fatalf("publish panicked during viewer churn: %v", r)
	default:
	}
}

func TestStartTwiceFails(t *testing.T) {
	s := newTestServer(t, ServerConfig{})
	if err := s.Start(); err == nil {
		t.Error("second Start succeeded, want error")
	}
}
