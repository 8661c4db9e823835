package execer

import (
	"bufio"
	"bytes"
	"strings"
)

// MarkerFileName is the completion marker a batch process writes into its working directory.
const MarkerFileName = "_COMPLETE"

const (
	markerSuccess = "SUCCESS"
	markerFailure = "FAILURE"
)

// MarkerState is what the completion marker says. Only a marker is trusted as the outcome
// of a run; exit codes are not.
type MarkerState int

const (
	MarkerAbsent MarkerState = iota
	MarkerSuccess
	MarkerFailure
)

func (m MarkerState) String() string {
	switch m {
	case MarkerSuccess:
		return "success"
	case MarkerFailure:
		return "failure"
	}
	return "absent"
}

// ParseMarker reads marker contents: the first line is "SUCCESS" or "FAILURE <message>".
// Anything else counts as no marker.
func ParseMarker(data []byte) (MarkerState, string) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	if !sc.Scan() {
		return MarkerAbsent, ""
	}
	line := strings.TrimSpace(sc.Text())
	switch {
	case line == markerSuccess:
		return MarkerSuccess, ""
	case line == markerFailure:
		return MarkerFailure, ""
	case strings.HasPrefix(line, markerFailure+" "):
		return MarkerFailure, strings.TrimSpace(strings.TrimPrefix(line, markerFailure))
	}
	return MarkerAbsent, ""
}

// FormatMarker renders marker contents. MarkerAbsent renders as nil.
func FormatMarker(state MarkerState, message string) []byte {
	switch state {
	case MarkerSuccess:
		return []byte(markerSuccess + "\n")
	case MarkerFailure:
		if message == "" {
			return []byte(markerFailure + "\n")
		}
		return []byte(markerFailure + " " + strings.Replace(message, "\n", " ", -1) + "\n")
	}
	return nil
}
