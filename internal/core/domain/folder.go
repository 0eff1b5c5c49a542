package domain

import (
	"path/filepath"
	"slices"
	"strings"
	"time"
)

type FolderStatus string

const (
	FolderStatusPending    FolderStatus = "PENDING"
	FolderStatusInProgress FolderStatus = "IN_PROGRESS"
	FolderStatusCompleted  FolderStatus = "COMPLETED"
	FolderStatusFailed     FolderStatus = "FAILED"
)

// IsTerminal reports whether the folder is done, successfully or not
func (s FolderStatus) IsTerminal() bool {
	return s == FolderStatusCompleted || s == FolderStatusFailed
}

// TaskFolderProgress tracks one folder-sized unit of a cooperative task
type TaskFolderProgress struct {
	ID               string       `json:"id"`
	TaskID           string       `json:"task_id"`
	FolderPath       string       `json:"folder_path"`
	FolderName       string       `json:"folder_name"`
	Status           FolderStatus `json:"status"`
	AssignedNodeID   string       `json:"assigned_node_id,omitempty"`
	AssignedNodeName string       `json:"assigned_node_name,omitempty"`
	Progress         float64      `json:"progress"`
	ErrorMessage     string       `json:"error_message,omitempty"`
	OutputPath       string       `json:"output_path,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// NewFolderProgress builds a Pending row for a folder found during pre-scan
func NewFolderProgress(id, taskID, folderPath string, now time.Time) *TaskFolderProgress {
	return &TaskFolderProgress{
		ID:         id,
		TaskID:     taskID,
		FolderPath: folderPath,
		FolderName: filepath.Base(folderPath),
		Status:     FolderStatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

// FolderSummary counts folder rows by status
type FolderSummary struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
	Failed     int
}

// Summarize counts rows per status
func Summarize(rows []*TaskFolderProgress) FolderSummary {
	s := FolderSummary{Total: len(rows)}
	for _, r := range rows {
		switch r.Status {
		case FolderStatusPending:
			s.Pending++
		case FolderStatusInProgress:
			s.InProgress++
		case FolderStatusCompleted:
			s.Completed++
		case FolderStatusFailed:
			s.Failed++
		}
	}
	return s
}

// AllTerminal is true once every row is Completed or Failed
func (s FolderSummary) AllTerminal() bool {
	return s.Total > 0 && s.Completed+s.Failed == s.Total
}

// NormalizeExtensions lowercases extensions and makes sure they carry a leading dot
func NormalizeExtensions(extensions []string) []string {
	out := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		out = append(out, ext)
	}
	return out
}

// MatchesExtension reports whether name has one of the normalized extensions.
// An empty list matches every file.
func MatchesExtension(name string, normalized []string) bool {
	return len(normalized) == 0 || slices.Contains(normalized, strings.ToLower(filepath.Ext(name)))
}
