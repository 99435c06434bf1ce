package mcp

import (
	"context"
	"fmt"
)

const taskPageSize = 50

func (s *Server) sessionTask(ctx context.Context, call Call, taskID string) (Task, error) {
	if taskID == "" {
		return Task{}, missingParam("taskId")
	}
	task, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return Task{}, err
	}
	// Tasks of other sessions do not exist for this caller.
	if task.SessionID != call.Session.ID {
		return Task{}, ErrTaskNotFound
	}
	return task, nil
}

func (s *Server) callGetTask(ctx context.Context, call Call) (any, error) {
	var params GetTaskParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	task, err := s.sessionTask(ctx, call, params.TaskID)
	if err != nil {
		return nil, err
	}
	return task.Info(s.taskPollInterval), nil
}

func (s *Server) callListTasks(ctx context.Context, call Call) (any, error) {
	var params ListTasksParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	tasks, err := s.tasks.List(ctx, TaskFilter{SessionID: call.Session.ID})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	page, next, err := paginate(tasks, params.Cursor, taskPageSize)
	if err != nil {
		return nil, err
	}

	res := ListTasksResult{Tasks: make([]TaskInfo, 0, len(page)), NextCursor: next}
	for _, task := range page {
		res.Tasks = append(res.Tasks, task.Info(s.taskPollInterval))
	}
	return res, nil
}

func (s *Server) callTaskResult(ctx context.Context, call Call) (any, error) {
	var params TaskResultParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	task, err := s.sessionTask(ctx, call, params.TaskID)
	if err != nil {
		return nil, err
	}

	res := TaskResultResult{Task: task.Info(s.taskPollInterval)}
	if task.Status == TaskCompleted {
		res.Result = task.Result
	}
	return res, nil
}

func (s *Server) callCancelTask(ctx context.Context, call Call) (any, error) {
	var params CancelTaskParams
	if err := decodeParams(call.Params, &params); err != nil {
		return nil, err
	}
	if _, err := s.sessionTask(ctx, call, params.TaskID); err != nil {
		return nil, err
	}
	reason := params.Reason
	if reason == "" {
		reason = "cancelled by client"
	}
	task, err := s.tasks.Cancel(ctx, params.TaskID, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel task: %w", err)
	}
	return task.Info(s.taskPollInterval), nil
}
