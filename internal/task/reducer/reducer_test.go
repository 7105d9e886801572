package reducer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/botmesh/botmesh/internal/resource"
	"github.com/botmesh/botmesh/internal/task/models"
	v1 "github.com/botmesh/botmesh/pkg/api/v1"
)

func sub(id, messageID int64, role models.SubtaskRole, status models.SubtaskStatus) *models.Subtask {
	return &models.Subtask{ID: id, TaskID: 1, Role: role, Status: status, MessageID: messageID}
}

func soloTeam() *resource.TeamSpec {
	return &resource.TeamSpec{
		CollaborationModel: resource.CollabSolo,
		Members:            []resource.TeamMember{{BotRef: resource.Ref{Name: "bot"}}},
	}
}

func pipelineTeam(confirmFirst bool) *resource.TeamSpec {
	return &resource.TeamSpec{
		CollaborationModel: resource.CollabPipeline,
		Members: []resource.TeamMember{
			{BotRef: resource.Ref{Name: "drafter"}, RequireConfirmation: confirmFirst},
			{BotRef: resource.Ref{Name: "refiner"}},
		},
	}
}

func TestReduce_CancellingAbsorbsCancelled(t *testing.T) {
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		sub(2, 2, models.RoleAssistant, models.SubtaskCancelled),
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskCancelling}, subtasks, soloTeam())
	assert.Equal(t, models.TaskCancelled, out.Status)
	assert.Equal(t, 100, out.Progress)
	assert.True(t, out.Terminal())
}

func TestReduce_LatestCancelled(t *testing.T) {
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		sub(2, 2, models.RoleAssistant, models.SubtaskCancelled),
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, soloTeam())
	assert.Equal(t, models.TaskCancelled, out.Status)
	require.NotNil(t, out.LastSettled)
	assert.EqualValues(t, 2, out.LastSettled.ID)
}

func TestReduce_LatestFailed(t *testing.T) {
	failed := sub(2, 2, models.RoleAssistant, models.SubtaskFailed)
	failed.ErrorMessage = "upstream 500"
	failed.Result = models.Result{SubtaskResult: v1.SubtaskResult{Value: "partial"}}
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		failed,
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, soloTeam())
	assert.Equal(t, models.TaskFailed, out.Status)
	assert.Equal(t, "upstream 500", out.ErrorMessage)
	require.NotNil(t, out.Result)
	assert.Equal(t, "partial", out.Result.Value)
}

func TestReduce_SoloCompleted(t *testing.T) {
	done := sub(2, 2, models.RoleAssistant, models.SubtaskCompleted)
	done.Result = models.Result{SubtaskResult: v1.SubtaskResult{Value: "hello"}}
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		done,
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, soloTeam())
	assert.Equal(t, models.TaskCompleted, out.Status)
	assert.Equal(t, 100, out.Progress)
	assert.True(t, out.Completed)
	require.NotNil(t, out.Result)
	assert.Equal(t, "hello", out.Result.Value)
}

func TestReduce_UserTurnOnlyKeepsRunning(t *testing.T) {
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		sub(2, 2, models.RoleAssistant, models.SubtaskPending),
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskPending}, subtasks, soloTeam())
	assert.Equal(t, models.TaskRunning, out.Status)
	assert.Nil(t, out.NextStage)
}

func TestReduce_PipelineConfirmation(t *testing.T) {
	stage1 := sub(2, 2, models.RoleAssistant, models.SubtaskCompleted)
	stage1.Result = models.Result{SubtaskResult: v1.SubtaskResult{Value: "DRAFT"}}
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		stage1,
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, pipelineTeam(true))
	assert.Equal(t, models.TaskPendingConfirmation, out.Status)
	assert.Nil(t, out.NextStage)
	assert.False(t, out.Terminal())
}

func TestReduce_PipelineAdvance(t *testing.T) {
	stage1 := sub(2, 2, models.RoleAssistant, models.SubtaskCompleted)
	stage1.ExecutorName = "exec-a"
	stage1.ExecutorNamespace = "default"
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		stage1,
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, pipelineTeam(false))
	assert.Equal(t, models.TaskRunning, out.Status)
	require.NotNil(t, out.NextStage)
	assert.Equal(t, 1, out.NextStage.MemberIndex)
	assert.EqualValues(t, 3, out.NextStage.MessageID)
	assert.EqualValues(t, 2, out.NextStage.ParentID)
	assert.Equal(t, "exec-a", out.NextStage.ExecutorName)
}

func TestReduce_PipelineLastStageCompletes(t *testing.T) {
	stage2 := sub(3, 3, models.RoleAssistant, models.SubtaskCompleted)
	stage2.Result = models.Result{SubtaskResult: v1.SubtaskResult{Value: "FINAL"}}
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		sub(2, 2, models.RoleAssistant, models.SubtaskCompleted),
		stage2,
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, pipelineTeam(false))
	assert.Equal(t, models.TaskCompleted, out.Status)
	assert.Nil(t, out.NextStage)
	require.NotNil(t, out.Result)
	assert.Equal(t, "FINAL", out.Result.Value)
}

func TestReduce_PipelineNewRoundRestartsStages(t *testing.T) {
	// First round fully done, then a new USER turn and a fresh stage 1.
	newStage1 := sub(5, 5, models.RoleAssistant, models.SubtaskCompleted)
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		sub(2, 2, models.RoleAssistant, models.SubtaskCompleted),
		sub(3, 3, models.RoleAssistant, models.SubtaskCompleted),
		sub(4, 4, models.RoleUser, models.SubtaskCompleted),
		newStage1,
	}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, subtasks, pipelineTeam(false))
	require.NotNil(t, out.NextStage)
	assert.Equal(t, 1, out.NextStage.MemberIndex)
	assert.EqualValues(t, 6, out.NextStage.MessageID)
}

func TestReduce_SingleSubtaskMirrorsProgress(t *testing.T) {
	only := sub(1, 1, models.RoleAssistant, models.SubtaskRunning)
	only.Progress = 40
	only.Result = models.Result{SubtaskResult: v1.SubtaskResult{Value: "part"}}
	out := Reduce(TaskView{ID: 1, Status: models.TaskRunning}, []*models.Subtask{only}, nil)
	assert.Equal(t, models.TaskRunning, out.Status)
	assert.Equal(t, 40, out.Progress)
	require.NotNil(t, out.Result)
	assert.Equal(t, "part", out.Result.Value)
}

func TestReduce_Purity(t *testing.T) {
	subtasks := []*models.Subtask{
		sub(1, 1, models.RoleUser, models.SubtaskCompleted),
		sub(2, 2, models.RoleAssistant, models.SubtaskCompleted),
	}
	view := TaskView{ID: 1, Status: models.TaskRunning}
	first := Reduce(view, subtasks, pipelineTeam(false))
	second := Reduce(view, subtasks, pipelineTeam(false))
	assert.Equal(t, first.Status, second.Status)
	assert.Equal(t, first.Progress, second.Progress)
	require.NotNil(t, second.NextStage)
	assert.Equal(t, *first.NextStage, *second.NextStage)
}
