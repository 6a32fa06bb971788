package zego

import (
	"encoding/json"
	"fmt"

	"github.com/ZEGOCLOUD/zego_server_assistant/token/go/src/token04"
)

// RoomPayload restricts a token04 token to one room. See the ZEGOCLOUD token04 docs.
type RoomPayload struct {
	RoomID       string      `json:"RoomId"`
	Privilege    map[int]int `json:"Privilege"`
	StreamIDList []string    `json:"StreamIdList,omitempty"`
}

// GenerateRoomToken creates a token04 token for userID in roomID. Publishers
// may push media; everyone else may only pull. serverSecret must be the
// 32-character secret from the ZEGOCLOUD console.
func GenerateRoomToken(appID uint32, serverSecret, roomID, userID string, publish bool, effectiveTimeSec int64) (string, error) {
	if appID == 0 || serverSecret == "" {
		return "", fmt.Errorf("zego: app_id and server_secret required")
	}
	if len(serverSecret) != 32 {
		return "", fmt.Errorf("zego: server_secret must be 32 characters")
	}
	privilege := map[int]int{
		token04.PrivilegeKeyLogin:   token04.PrivilegeEnable,
		token04.PrivilegeKeyPublish: token04.PrivilegeDisable,
	}
	if publish {
		privilege[token04.PrivilegeKeyPublish] = token04.PrivilegeEnable
	}
	payload, err := json.Marshal(RoomPayload{RoomID: roomID, Privilege: privilege})
	if err != nil {
		return "", fmt.Errorf("zego: marshal payload: %w", err)
	}
	return token04.GenerateToken04(appID, userID, serverSecret, effectiveTimeSec, string(payload))
}
