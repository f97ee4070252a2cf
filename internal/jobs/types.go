package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const TaskPrewarm = "prewarm:popular"

const QueuePrewarm = "prewarm"

type PrewarmPayload struct {
	// Phrases to warm. When empty the worker uses the configured sources.
	Phrases []string `json:"phrases,omitempty"`
	Sources []string `json:"sources,omitempty"`
	Force   bool     `json:"force,omitempty"`
}

// NewPrewarmTask builds a prewarm task for the prewarm queue
func NewPrewarmTask(p PrewarmPayload) (*asynq.Task, error) {
	payload, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskPrewarm, payload,
		asynq.Queue(QueuePrewarm),
		asynq.MaxRetry(3),
		asynq.Timeout(30*time.Minute),
	), nil
}

func ParsePrewarmPayload(t *asynq.Task) (PrewarmPayload, error) {
	var p PrewarmPayload
	if len(t.Payload()) == 0 {
		return p, nil
	}
	err := json.Unmarshal(t.Payload(), &p)
	return p, err
}
