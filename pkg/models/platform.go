package models

import (
	"fmt"
	"regexp"
	"strings"
)

// Platform identifies an external conferencing platform.
type Platform string

// Supported platforms.
const (
	PlatformGoogleMeet Platform = "google_meet"
	PlatformZoom       Platform = "zoom"
	PlatformTeams      Platform = "teams"
)

// Platforms lists every supported platform.
func Platforms() []Platform {
	return []Platform{PlatformGoogleMeet, PlatformZoom, PlatformTeams}
}

// ParsePlatform validates a platform string from a request path or stream
// payload.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case PlatformGoogleMeet, PlatformZoom, PlatformTeams:
		return Platform(s), nil
	}
	return "", fmt.Errorf("invalid platform %q, must be one of: %s", s, supportedPlatformList())
}

func supportedPlatformList() string {
	names := make([]string, 0, len(Platforms()))
	for _, p := range Platforms() {
		names = append(names, string(p))
	}
	return strings.Join(names, ", ")
}

var (
	googleMeetIDRe = regexp.MustCompile(`^[a-z]{3}-[a-z]{4}-[a-z]{3}$`)
	zoomIDRe       = regexp.MustCompile(`^(\d{9,11})(?:\?pwd=(.+))?$`)
)

// ConstructMeetingURL derives the join URL from a platform and its native
// meeting id. Returns "" when the id is invalid for the platform or when
// the platform offers no id-only construction (Teams).
func ConstructMeetingURL(platform Platform, nativeID string) string {
	switch platform {
	case PlatformGoogleMeet:
		if googleMeetIDRe.MatchString(nativeID) {
			return "https://meet.google.com/" + nativeID
		}
	case PlatformZoom:
		if m := zoomIDRe.FindStringSubmatch(nativeID); m != nil {
			url := "https://zoom.us/j/" + m[1]
			if m[2] != "" {
				url += "?pwd=" + m[2]
			}
			return url
		}
	case PlatformTeams:
		// Teams join URLs carry tenant context that the native id alone
		// cannot supply; the bot resolves the meeting externally.
	}
	return ""
}

// StripSessionUIDPrefix removes a platform prefix from a session UID found
// in buffered segments. Bots on some platforms report "google_meet_<uid>"
// while the session table stores the bare uid; lookups must use the bare
// form.
func StripSessionUIDPrefix(uid string) string {
	for _, p := range Platforms() {
		if prefix := string(p) + "_"; strings.HasPrefix(uid, prefix) {
			return uid[len(prefix):]
		}
	}
	return uid
}
