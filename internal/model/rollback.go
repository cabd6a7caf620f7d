package model

import "time"

// RollbackActionKind discriminates the RollbackAction tagged union.
type RollbackActionKind string

const (
	RestoreFile      RollbackActionKind = "restore_file"
	RestoreCron      RollbackActionKind = "restore_cron"
	RestartProcess   RollbackActionKind = "restart_process"
	RestoreDirectory RollbackActionKind = "restore_directory"
)

// RollbackAction is one inverse-of-a-mutation step. Field order is part
// of the manifest's canonical serialization and must not change —
// the HMAC in RollbackManifest is computed over this exact shape.
type RollbackAction struct {
	Kind RollbackActionKind `json:"kind"`

	// RestoreFile
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`

	// RestoreCron
	CronUser    string `json:"cron_user,omitempty"`
	CronFile    string `json:"cron_file,omitempty"`
	CronContent string `json:"cron_content,omitempty"`

	// RestartProcess
	Command string `json:"command,omitempty"`

	// RestoreDirectory
	DirPath string `json:"dir_path,omitempty"`
}

// RollbackManifest is the signed, persisted description of the inverse
// of a destructive action, written before the action runs (P5).
type RollbackManifest struct {
	ID        string           `json:"id"`
	Timestamp time.Time        `json:"timestamp"`
	Actions   []RollbackAction `json:"actions"`
	HMAC      string           `json:"hmac"`
}
