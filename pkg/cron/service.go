package cron

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"

	"github.com/microclaw/microclaw/pkg/bus"
	"github.com/microclaw/microclaw/pkg/logger"
	"github.com/microclaw/microclaw/pkg/tools"
)

// Job is one scheduled reminder bound to a conversation.
type Job struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	Expr      string    `json:"expr"`
	Message   string    `json:"message"`
	Channel   string    `json:"channel"`
	ChatID    string    `json:"chat_id"`
	CreatedAt time.Time `json:"created_at"`
	NextRun   time.Time `json:"next_run"`
}

// Service evaluates cron expressions and injects due jobs as system messages
// on the originating conversation. Jobs persist across restarts.
type Service struct {
	bus  *bus.MessageBus
	gron *gronx.Gronx
	path string

	mu   sync.Mutex
	jobs map[string]*Job
}

func NewService(stateDir string, messageBus *bus.MessageBus) *Service {
	_ = os.MkdirAll(stateDir, 0755)
	s := &Service{
		bus:  messageBus,
		gron: gronx.New(),
		path: filepath.Join(stateDir, "cron.json"),
		jobs: make(map[string]*Job),
	}
	s.load()
	return s
}

func (s *Service) load() {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return
	}
	var jobs []*Job
	if err := json.Unmarshal(data, &jobs); err != nil {
		logger.WarnCF("cron", "Corrupt cron store, starting empty", map[string]interface{}{"error": err.Error()})
		return
	}
	for _, j := range jobs {
		s.jobs[j.ID] = j
	}
}

func (s *Service) saveLocked() {
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	data, err := json.MarshalIndent(jobs, "", "  ")
	if err != nil {
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return
	}
	_ = os.Rename(tmp, s.path)
}

// AddJob validates the expression and schedules a new job.
func (s *Service) AddJob(name, expr, message, channel, chatID string) (tools.CronJobSpec, error) {
	if !s.gron.IsValid(expr) {
		return tools.CronJobSpec{}, fmt.Errorf("invalid cron expression: %q", expr)
	}
	if channel == "" || chatID == "" {
		return tools.CronJobSpec{}, fmt.Errorf("job has no target conversation")
	}
	next, err := gronx.NextTick(expr, false)
	if err != nil {
		return tools.CronJobSpec{}, fmt.Errorf("computing next run: %w", err)
	}

	job := &Job{
		ID:        uuid.NewString()[:8],
		Name:      name,
		Expr:      expr,
		Message:   message,
		Channel:   channel,
		ChatID:    chatID,
		CreatedAt: time.Now().UTC(),
		NextRun:   next,
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.saveLocked()
	s.mu.Unlock()

	logger.InfoCF("cron", "Job scheduled", map[string]interface{}{
		"id": job.ID, "expr": expr, "next_run": next.Format(time.RFC3339),
	})
	return spec(job), nil
}

// ListJobs returns the jobs for one conversation.
func (s *Service) ListJobs(channel, chatID string) []tools.CronJobSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []tools.CronJobSpec{}
	for _, j := range s.jobs {
		if j.Channel == channel && j.ChatID == chatID {
			out = append(out, spec(j))
		}
	}
	return out
}

func (s *Service) RemoveJob(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false
	}
	delete(s.jobs, id)
	s.saveLocked()
	return true
}

// Start ticks once a minute until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				s.fireDue(ctx, now)
			}
		}
	}()
}

func (s *Service) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*Job
	for _, j := range s.jobs {
		if !j.NextRun.After(now) {
			due = append(due, j)
		}
	}
	for _, j := range due {
		if next, err := gronx.NextTickAfter(j.Expr, now, false); err == nil {
			j.NextRun = next
		} else {
			// Expression stopped parsing; drop the job rather than firing
			// it every minute.
			delete(s.jobs, j.ID)
			logger.ErrorCF("cron", "Dropping job with unparseable expression",
				map[string]interface{}{"id": j.ID, "expr": j.Expr, "error": err.Error()})
		}
	}
	if len(due) > 0 {
		s.saveLocked()
	}
	s.mu.Unlock()

	for _, j := range due {
		err := s.bus.PublishInboundContext(ctx, bus.InboundMessage{
			Channel:  j.Channel,
			ChatID:   j.ChatID,
			SenderID: "cron",
			Content:  j.Message,
			Origin:   bus.OriginSystem,
			Metadata: map[string]string{
				"cron_job_id":   j.ID,
				"cron_job_name": j.Name,
			},
		})
		if err != nil {
			logger.WarnCF("cron", "Failed to inject due job", map[string]interface{}{
				"id": j.ID, "error": err.Error(),
			})
			continue
		}
		logger.InfoCF("cron", "Job fired", map[string]interface{}{"id": j.ID})
	}
}

func spec(j *Job) tools.CronJobSpec {
	return tools.CronJobSpec{
		ID:      j.ID,
		Name:    j.Name,
		Expr:    j.Expr,
		Message: j.Message,
		NextRun: j.NextRun,
	}
}
