package schema

import "time"

// Direction marks which side of the conversation produced a transcript line.
type Direction string

const (
	// DirectionOut marks a command told to the monkey.
	DirectionOut Direction = ">"
	// DirectionIn marks a line said by the monkey.
	DirectionIn Direction = "<"
)

// TranscriptEntry is one line of the farmer/monkey discussion.
type TranscriptEntry struct {
	Session   string
	Direction Direction
	Text      string
	At        time.Time
}

// String renders the entry the way the echo writer prints it.
func (e TranscriptEntry) String() string {
	return string(e.Direction) + string(e.Direction) + string(e.Direction) + " " + e.Text
}
