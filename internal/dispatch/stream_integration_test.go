//go:build integration

package dispatch

import (
	"context"
	"testing"
	"time"

	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/mindpulse/internal/cognitive"
)

func TestStreamPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		t.Fatalf("start redis: %v", err)
	}
	defer container.Terminate(ctx)
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatal(err)
	}

	s, err := DialStream(ctx, "redis://"+endpoint, zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer s.Close()

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch := s.Subscribe(subCtx, "l1")
	time.Sleep(200 * time.Millisecond) // let XREAD block on "$"

	iv := NewIntervention("s1", "l1", "c1", 0.8, TriggerStruggle, time.Now().UTC())
	if err := s.Intervene(ctx, iv); err != nil {
		t.Fatalf("intervene: %v", err)
	}
	select {
	case got := <-ch:
		if got.ID != iv.ID {
			t.Errorf("got %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no event read from stream")
	}

	if err := s.Schedule(ctx, cognitive.ScheduleEntry{LearnerID: "l1", ConceptID: "c1", IntervalDays: 3}); err != nil {
		t.Fatal(err)
	}
	n, err := s.Client().XLen(ctx, scheduleStream).Result()
	if err != nil || n != 1 {
		t.Errorf("schedule stream length = %d, %v", n, err)
	}
}
