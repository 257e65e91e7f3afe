package tagfile

import "time"

// GPSEpoch is the origin of GPS time.
var GPSEpoch = time.Date(1980, time.January, 6, 0, 0, 0, 0, time.UTC)

// GPSLeapSeconds is the current offset of GPS time ahead of UTC.
const GPSLeapSeconds = 18

const (
	msPerWeek = 7 * 24 * 60 * 60 * 1000
)

// GPSToUTC converts a GPS week number and millisecond of week to UTC.
func GPSToUTC(week uint32, msOfWeek int64) time.Time {
	ms := int64(week)*msPerWeek + msOfWeek
	return GPSEpoch.Add(time.Duration(ms)*time.Millisecond - GPSLeapSeconds*time.Second)
}

// UTCToGPS is the inverse of GPSToUTC.
func UTCToGPS(t time.Time) (week uint32, msOfWeek int64) {
	ms := t.Add(GPSLeapSeconds*time.Second).Sub(GPSEpoch).Milliseconds()
	return uint32(ms / msPerWeek), ms % msPerWeek
}
