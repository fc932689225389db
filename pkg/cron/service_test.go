package cron

import (
	"context"
	"testing"
	"time"

	"github.com/microclaw/microclaw/pkg/bus"
)

func TestAddJobValidatesExpression(t *testing.T) {
	s := NewService(t.TempDir(), bus.NewMessageBus())

	if _, err := s.AddJob("bad", "not a cron line", "msg", "telegram", "1"); err == nil {
		t.Fatal("invalid expression accepted")
	}
	if _, err := s.AddJob("orphan", "* * * * *", "msg", "", ""); err == nil {
		t.Fatal("job without a conversation accepted")
	}

	job, err := s.AddJob("ok", "*/5 * * * *", "stretch your legs", "telegram", "1")
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if job.ID == "" || job.NextRun.IsZero() {
		t.Fatalf("job not scheduled: %+v", job)
	}
}

func TestJobsPersistAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	b := bus.NewMessageBus()

	s := NewService(dir, b)
	added, err := s.AddJob("daily", "0 9 * * *", "standup", "slack", "C1")
	if err != nil {
		t.Fatal(err)
	}

	s2 := NewService(dir, b)
	jobs := s2.ListJobs("slack", "C1")
	if len(jobs) != 1 || jobs[0].ID != added.ID {
		t.Fatalf("job lost on restart: %+v", jobs)
	}
}

func TestRemoveJob(t *testing.T) {
	s := NewService(t.TempDir(), bus.NewMessageBus())
	job, err := s.AddJob("x", "* * * * *", "msg", "telegram", "1")
	if err != nil {
		t.Fatal(err)
	}
	if !s.RemoveJob(job.ID) {
		t.Fatal("remove reported failure")
	}
	if s.RemoveJob(job.ID) {
		t.Fatal("double remove reported success")
	}
	if got := s.ListJobs("telegram", "1"); len(got) != 0 {
		t.Fatalf("job still listed: %+v", got)
	}
}

func TestFireDueInjectsSystemMessage(t *testing.T) {
	b := bus.NewMessageBus()
	s := NewService(t.TempDir(), b)

	job, err := s.AddJob("nudge", "* * * * *", "drink water", "telegram", "42")
	if err != nil {
		t.Fatal(err)
	}

	s.fireDue(context.Background(), time.Now().Add(2*time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, ok := b.ConsumeInbound(ctx)
	if !ok {
		t.Fatal("no message injected")
	}
	if !msg.IsSystem() {
		t.Fatal("cron message must be system origin")
	}
	if msg.Content != "drink water" || msg.Channel != "telegram" || msg.ChatID != "42" {
		t.Fatalf("wrong message: %+v", msg)
	}
	if msg.Metadata["cron_job_id"] != job.ID {
		t.Fatalf("job id metadata missing: %+v", msg.Metadata)
	}

	// NextRun must advance past the fire time.
	jobs := s.ListJobs("telegram", "42")
	if len(jobs) != 1 || !jobs[0].NextRun.After(time.Now()) {
		t.Fatalf("next run not advanced: %+v", jobs)
	}
}
