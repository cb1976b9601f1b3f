package quotagate

import (
	"strconv"
	"time"
)

// keyspace builds cache keys under a common prefix
type keyspace struct {
	prefix string
}

func (k keyspace) window(userID, kind string, start time.Time) string {
	return k.prefix + "window:" + userID + ":" + kind + ":" + strconv.FormatInt(start.Unix(), 10)
}

func (k keyspace) concurrent(userID string) string {
	return k.prefix + "concurrent:" + userID
}

func (k keyspace) monthly(userID, month string) string {
	return k.prefix + "monthly:" + userID + ":" + month
}

func (k keyspace) daily(userID, date string) string {
	return k.prefix + "daily:" + userID + ":" + date
}

func (k keyspace) dailyLast(userID, date string) string {
	return k.prefix + "daily:" + userID + ":" + date + ":last"
}

// parseCounter decodes an integer counter value as written by Increment
func parseCounter(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}
