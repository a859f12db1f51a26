// Package tasks runs the post-meeting task sequence triggered by bot
// exit. Tasks are registered at construction time; each runs in order and
// a failing task never aborts the rest.
package tasks

import (
	"context"
	"log/slog"

	"github.com/valentinvl1/vexa/pkg/models"
)

// MeetingGetter loads meetings for task execution.
type MeetingGetter interface {
	GetByID(ctx context.Context, id int) (*models.Meeting, error)
}

// Task is one post-meeting action.
type Task interface {
	Name() string
	Run(ctx context.Context, meeting *models.Meeting) error
}

// Runner executes the registered task list for an exited meeting.
type Runner struct {
	meetings MeetingGetter
	tasks    []Task
	log      *slog.Logger
}

// NewRunner creates a runner over the given task list.
func NewRunner(meetings MeetingGetter, tasks ...Task) *Runner {
	return &Runner{
		meetings: meetings,
		tasks:    tasks,
		log:      slog.With("component", "post_meeting_tasks"),
	}
}

// Run loads the meeting and executes every task. Per-task errors are
// logged and swallowed so later tasks still run.
func (r *Runner) Run(ctx context.Context, meetingID int) {
	log := r.log.With("meeting_id", meetingID)

	meeting, err := r.meetings.GetByID(ctx, meetingID)
	if err != nil {
		log.Error("Cannot load meeting for post-meeting tasks", "error", err)
		return
	}

	for _, task := range r.tasks {
		log.Info("Running post-meeting task", "task", task.Name())
		if err := task.Run(ctx, meeting); err != nil {
			log.Error("Post-meeting task failed", "task", task.Name(), "error", err)
			continue
		}
		log.Info("Post-meeting task finished", "task", task.Name())
	}
}
