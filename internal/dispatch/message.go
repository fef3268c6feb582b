package dispatch

import (
	"encoding/json"
	"time"
)

// Message is the wire form of one dispatched orientation, shared by the
// network outputs.
type Message struct {
	Type       string    `json:"type"`
	AzimuthDeg float64   `json:"azimuth_deg"`
	PitchDeg   float64   `json:"pitch_deg"`
	RollDeg    float64   `json:"roll_deg"`
	Time       time.Time `json:"time"`
}

func NewMessage(azimuth, pitch, roll float64, now time.Time) Message {
	return Message{
		Type:       "orientation",
		AzimuthDeg: azimuth,
		PitchDeg:   pitch,
		RollDeg:    roll,
		Time:       now.UTC(),
	}
}

func (m Message) Marshal() ([]byte, error) {
	return json.Marshal(m)
}
