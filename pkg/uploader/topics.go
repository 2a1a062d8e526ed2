package uploader

import (
	"fmt"
	"strings"
)

// topicMarker is where the device-relative suffix begins inside a stored
// topic column.
const topicMarker = "2c/"

// reconstructTopic builds the publish topic for a topiced event:
// <prefix><deviceID>/<suffix starting at "2c/">. A stored topic without
// the marker is malformed; the row stays in the table and is reported.
func reconstructTopic(prefix, deviceID, storedTopic string) (string, error) {
	idx := strings.Index(storedTopic, topicMarker)
	if idx < 0 {
		return "", fmt.Errorf("stored topic %q has no %q marker", storedTopic, topicMarker)
	}
	return prefix + deviceID + "/" + storedTopic[idx:], nil
}
