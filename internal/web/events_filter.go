package web

import (
	"net/http"
	"strings"

	"streamq-worker/internal/events"
)

type eventFilter struct {
	queue     string
	taskID    string
	eventType string
	status    string
}

func parseEventFilter(r *http.Request) eventFilter {
	query := r.URL.Query()
	return eventFilter{
		queue:     strings.TrimSpace(query.Get("queue")),
		taskID:    strings.TrimSpace(query.Get("task_id")),
		eventType: strings.TrimSpace(query.Get("type")),
		status:    strings.TrimSpace(query.Get("status")),
	}
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.queue != "" && event.Queue != f.queue {
		return false
	}
	if f.taskID != "" && event.TaskID != f.taskID {
		return false
	}
	if f.eventType != "" && event.Type != f.eventType {
		return false
	}
	if f.status != "" && event.Status != f.status {
		return false
	}
	return true
}
