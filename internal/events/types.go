// Package events provides event types and subject helpers for the Botmesh
// event system.
package events

import (
	"strconv"
	"strings"
)

// Chat event types delivered to WebSocket clients. The colon form matches
// the client protocol; bus subjects are built separately from room names.
const (
	ChatStart     = "chat:start"
	ChatChunk     = "chat:chunk"
	ChatDone      = "chat:done"
	ChatError     = "chat:error"
	ChatCancelled = "chat:cancelled"
	ChatMessage   = "chat:message" // user message broadcast to group peers
)

// Task event types
const (
	TaskCreated = "task:created"
	TaskStatus  = "task:status"
)

// Auth event types
const (
	AuthError = "auth_error"
)

// Skill event types (cross-worker skill request resolution)
const (
	SkillRequest  = "skill:request"
	SkillResponse = "skill:response"
)

// Room subject prefixes. Rooms user:<uid> and task:<tid> map onto bus
// subjects room.user.<uid> and room.task.<tid>.
const (
	roomPrefix     = "room"
	userRoomPrefix = "room.user"
	taskRoomPrefix = "room.task"
	skillSubject   = "skill.resolve"
)

// UserRoom returns the bus subject for a user room.
func UserRoom(userID int64) string {
	return userRoomPrefix + "." + strconv.FormatInt(userID, 10)
}

// TaskRoom returns the bus subject for a task room.
func TaskRoom(taskID int64) string {
	return taskRoomPrefix + "." + strconv.FormatInt(taskID, 10)
}

// AllRoomsWildcard returns a subscription pattern matching every room.
// WS gateway workers subscribe once and fan events out to local members.
func AllRoomsWildcard() string {
	return roomPrefix + ".>"
}

// ParseUserRoom extracts the user id from a user-room subject.
func ParseUserRoom(subject string) (int64, bool) {
	return parseRoom(subject, userRoomPrefix+".")
}

// ParseTaskRoom extracts the task id from a task-room subject.
func ParseTaskRoom(subject string) (int64, bool) {
	return parseRoom(subject, taskRoomPrefix+".")
}

func parseRoom(subject, prefix string) (int64, bool) {
	if !strings.HasPrefix(subject, prefix) {
		return 0, false
	}
	id, err := strconv.ParseInt(subject[len(prefix):], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SkillResolveSubject returns the subject used to resolve outstanding
// skill requests across workers.
func SkillResolveSubject(requestID string) string {
	return skillSubject + "." + requestID
}

// SkillResolveWildcard returns a subscription pattern matching all skill
// resolution events.
func SkillResolveWildcard() string {
	return skillSubject + ".*"
}
