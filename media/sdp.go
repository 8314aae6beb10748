package media

import (
	"strings"

	"github.com/pion/sdp/v3"
	"github.com/sirupsen/logrus"
)

// HasVideoSection reports whether a raw SDP body offers a video media
// section. It is used to infer the call type from an inbound offer.
//
// A malformed description falls back to a line scan so that a lenient
// remote stack cannot make type inference fail outright.
func HasVideoSection(raw string) bool {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "HasVideoSection",
			"error":    err.Error(),
		}).Debug("SDP parse failed, falling back to line scan")
		return sdpLineScanHasVideo(raw)
	}

	for _, m := range desc.MediaDescriptions {
		if m.MediaName.Media == "video" {
			return true
		}
	}
	return false
}

func sdpLineScanHasVideo(raw string) bool {
	for _, line := range strings.Split(raw, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "m=video") {
			return true
		}
	}
	return false
}
