package sharding

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// ShardCount is the fixed number of subject partitions.
const ShardCount = 1024

// ScheduleSubjects matches every scheduling job subject.
const ScheduleSubjects = "app.schedule.>"

// GetShardID calculates the deterministic shard ID for a given entity ID.
func GetShardID(entityID string) int {
	checksum := crc32.ChecksumIEEE([]byte(entityID))
	return int(checksum % ShardCount)
}

// UserShardID shards by the decimal form of the user identifier.
func UserShardID(userID int64) int {
	return GetShardID(strconv.FormatInt(userID, 10))
}

// ScheduleSubject returns the JetStream subject of a scheduling job.
// Format: app.schedule.{shard_id}.user.{user_id}
func ScheduleSubject(userID int64) string {
	return fmt.Sprintf("app.schedule.%d.user.%d", UserShardID(userID), userID)
}

// StateSubjects matches every state-change notice.
const StateSubjects = "app.state.*"

// StateSubject is the core NATS subject announcing that a user's persisted
// state changed outside the process holding their push channels.
func StateSubject(userID int64) string {
	return "app.state." + strconv.FormatInt(userID, 10)
}

// UserFromStateSubject extracts the user identifier from a StateSubject.
func UserFromStateSubject(subject string) (int64, bool) {
	rest, ok := strings.CutPrefix(subject, "app.state.")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
