// Package events provides event types and utilities for the TaaS event system.
package events

import "strings"

// Event subjects for turtle connectivity and state
const (
	TurtleConnected    = "turtle.connected"
	TurtleDisconnected = "turtle.disconnected"
	TurtleStateUpdated = "turtle.state_updated"
	TurtleLog          = "turtle.log"
)

// Event subjects for routine lifecycle
const (
	RoutineStarted  = "routine.started"
	RoutineFinished = "routine.finished"
	RoutineAborted  = "routine.aborted"
	RoutineFailed   = "routine.failed"
)

// Subscription patterns covering each subject family
const (
	TurtleSubjects  = "turtle.*"
	RoutineSubjects = "routine.*"
)

// Source is the event source tag for everything this service publishes.
const Source = "taas"

// WireType maps a bus subject to the "type" field dashboard clients
// receive: turtle.connected becomes "connected", routine.started becomes
// "routine_started".
func WireType(subject string) string {
	if s, ok := strings.CutPrefix(subject, "turtle."); ok {
		return s
	}
	if s, ok := strings.CutPrefix(subject, "routine."); ok {
		return "routine_" + s
	}
	return subject
}

// TurtleEventData builds the payload for connectivity and state events.
// The summary is included whole so dashboards never need a follow-up fetch.
func TurtleEventData(subject string, turtleID int, summary interface{}) map[string]interface{} {
	return map[string]interface{}{
		"type":      WireType(subject),
		"turtle_id": turtleID,
		"turtle":    summary,
	}
}

// LogEventData builds the payload for mirrored log records. turtleID is nil
// when the record could not be attributed to a turtle.
func LogEventData(turtleID *int, level, message string) map[string]interface{} {
	return map[string]interface{}{
		"type":      WireType(TurtleLog),
		"turtle_id": turtleID,
		"level":     level,
		"message":   message,
	}
}

// RoutineEventData builds the payload for routine lifecycle events.
func RoutineEventData(subject string, turtleID int, routine string) map[string]interface{} {
	return map[string]interface{}{
		"type":      WireType(subject),
		"turtle_id": turtleID,
		"routine":   routine,
	}
}

// RoutineFailureData builds the payload for routine.failed, carrying the
// error text shown in dashboards.
func RoutineFailureData(turtleID int, routine, errText string) map[string]interface{} {
	data := RoutineEventData(RoutineFailed, turtleID, routine)
	data["error"] = errText
	return data
}
