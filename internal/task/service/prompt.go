package service

import (
	"context"

	"github.com/botmesh/botmesh/internal/task/models"
)

// StagePrompt builds the prompt for an ASSISTANT subtask about to execute.
// A stored prompt (confirmed pipeline stage) wins; otherwise the last USER
// prompt is used, extended with the most recent completed stage's result so
// pipeline members build on each other's output.
func (s *Service) StagePrompt(ctx context.Context, sub *models.Subtask) (string, error) {
	if sub.Prompt != "" {
		return sub.Prompt, nil
	}
	subtasks, err := s.repo.ListByTask(ctx, sub.TaskID)
	if err != nil {
		return "", err
	}

	userPrompt := ""
	lastResult := ""
	for _, prior := range subtasks {
		if prior.ID == sub.ID || prior.MessageID >= sub.MessageID {
			continue
		}
		switch {
		case prior.Role == models.RoleUser && prior.Prompt != "":
			userPrompt = prior.Prompt
			lastResult = "" // results from earlier rounds don't carry over
		case prior.Role == models.RoleAssistant && prior.Status == models.SubtaskCompleted && prior.Result.Value != "":
			lastResult = prior.Result.Value
		}
	}

	if lastResult != "" {
		return userPrompt + "\nPrevious execution result: " + lastResult, nil
	}
	return userPrompt, nil
}
