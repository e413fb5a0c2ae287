package scheduleprecomputation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/camunda/zeebe/clients/go/v8/pkg/entities"
	"github.com/camunda/zeebe/clients/go/v8/pkg/pb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"study-match/internal/common/errors"
	"study-match/internal/common/logger"
	"study-match/internal/matching/precompute"
)

type MockScheduler struct {
	mock.Mock
}

func (m *MockScheduler) SchedulePrecomputation(userID string, priority precompute.Priority) (string, error) {
	args := m.Called(userID, priority)
	return args.String(0), args.Error(1)
}

func (m *MockScheduler) RunBatchPrecomputation(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockScheduler) CancelJob(jobID string) error {
	return m.Called(jobID).Error(0)
}

func createMockJob(variables map[string]interface{}) entities.Job {
	variablesJSON, _ := json.Marshal(variables)
	return entities.Job{ActivatedJob: &pb.ActivatedJob{
		Key:           11,
		Type:          TaskType,
		CustomHeaders: "{}",
		Retries:       3,
		Variables:     string(variablesJSON),
	}}
}

func newTestHandler(t *testing.T, s Scheduler) *Handler {
	t.Helper()
	h, err := NewHandler(DefaultConfig(), s, logger.NewTestLogger(t))
	require.NoError(t, err)
	return h
}

func TestParseInput(t *testing.T) {
	h := newTestHandler(t, &MockScheduler{})

	tests := []struct {
		name    string
		vars    map[string]interface{}
		want    *Input
		wantErr bool
	}{
		{
			name: "single user",
			vars: map[string]interface{}{"userId": "u1", "priority": "high"},
			want: &Input{UserID: "u1", Priority: precompute.PriorityHigh},
		},
		{name: "batch", vars: map[string]interface{}{"batch": true}, want: &Input{Batch: true}},
		{name: "cancel", vars: map[string]interface{}{"cancelJobId": "j1"}, want: &Input{CancelJobID: "j1"}},
		{name: "unknown priority", vars: map[string]interface{}{"userId": "u1", "priority": "urgent"}, wantErr: true},
		{name: "batch not boolean", vars: map[string]interface{}{"batch": "yes"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := h.parseInput(createMockJob(tt.vars))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExecute_Single(t *testing.T) {
	s := &MockScheduler{}
	h := newTestHandler(t, s)
	s.On("SchedulePrecomputation", "u1", precompute.PriorityHigh).Return("job-1", nil)

	out, err := h.Execute(context.Background(), &Input{UserID: "u1", Priority: precompute.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, ModeSingle, out.Mode)
	assert.Equal(t, []string{"job-1"}, out.JobIDs)
	assert.Equal(t, 1, out.Scheduled)
	s.AssertExpectations(t)
}

func TestExecute_Batch(t *testing.T) {
	s := &MockScheduler{}
	h := newTestHandler(t, s)
	s.On("RunBatchPrecomputation", mock.Anything).Return([]string{"a", "b", "c"}, nil)

	out, err := h.Execute(context.Background(), &Input{Batch: true, UserID: "ignored"})
	require.NoError(t, err)
	assert.Equal(t, ModeBatch, out.Mode)
	assert.Equal(t, 3, out.Scheduled)
	s.AssertNotCalled(t, "SchedulePrecomputation", mock.Anything, mock.Anything)
}

func TestExecute_CancelTakesPrecedence(t *testing.T) {
	s := &MockScheduler{}
	h := newTestHandler(t, s)
	s.On("CancelJob", "j1").Return(nil)

	out, err := h.Execute(context.Background(), &Input{CancelJobID: "j1", Batch: true})
	require.NoError(t, err)
	assert.Equal(t, ModeCancel, out.Mode)
	assert.Equal(t, "j1", out.Cancelled)
	assert.Zero(t, out.Scheduled)
	s.AssertNotCalled(t, "RunBatchPrecomputation", mock.Anything)
}

func TestExecute_CancelNotAllowed(t *testing.T) {
	s := &MockScheduler{}
	h := newTestHandler(t, s)
	s.On("CancelJob", "j1").Return(errors.NewJobNotCancellableError("j1", "processing"))

	_, err := h.Execute(context.Background(), &Input{CancelJobID: "j1"})
	std, ok := errors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeJobNotCancellable, std.Code)
}

func TestExecute_NothingToDo(t *testing.T) {
	h := newTestHandler(t, &MockScheduler{})

	_, err := h.Execute(context.Background(), &Input{})
	std, ok := errors.AsStandardError(err)
	require.True(t, ok)
	assert.Equal(t, errors.ErrCodeInvalidInput, std.Code)
}
