package models

import (
	"time"

	"github.com/google/uuid"
)

// SlotPosition is the on-screen position of a co-broadcaster.
type SlotPosition string

const (
	PositionTopLeft     SlotPosition = "topLeft"
	PositionTopRight    SlotPosition = "topRight"
	PositionBottomLeft  SlotPosition = "bottomLeft"
	PositionBottomRight SlotPosition = "bottomRight"
	PositionSplitScreen SlotPosition = "splitScreen"
)

// GridPositions is the order guests are seated in when no split screen applies.
var GridPositions = []SlotPosition{PositionTopLeft, PositionTopRight, PositionBottomLeft, PositionBottomRight}

// ParticipantSlot is one co-broadcaster seated in a session.
type ParticipantSlot struct {
	ParticipantID uuid.UUID    `json:"participant_id"`
	DisplayName   string       `json:"display_name"`
	JoinedAt      time.Time    `json:"joined_at"`
	Muted         bool         `json:"muted"`
	VideoEnabled  bool         `json:"video_enabled"`
	Position      SlotPosition `json:"position"`
}
