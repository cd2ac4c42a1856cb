// Package collab provides command-backed reference collaborators for the
// engine: a decision engine that runs an external program, an observer
// that runs probe commands, and an executor for local shell actions.
//
// All three run on the worker's own machine. Command lines are split with
// shell quoting rules; scripts run through the configured shell.
package collab
