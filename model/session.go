package model

// Credentials are what the membership service hands back on join.
type Credentials struct {
	MeetingID         string
	ExternalMeetingID string
	MediaRegion       string
	AttendeeID        string
	ExternalUserID    string
	JoinToken         string
}

// Session is the shared meeting this participant belongs to.
type Session struct {
	// ID is the request id used to create or join the meeting.
	ID          string
	Credentials Credentials
	// CreatedByMe is set when this participant's join created the meeting.
	// Only the creator may end it for everyone.
	CreatedByMe bool
}
