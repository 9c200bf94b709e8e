package market

import (
	"encoding/json"
	"fmt"
)

// ParseStreamEvent decodes one push-stream data message.
func ParseStreamEvent(msg []byte) (StreamEvent, error) {
	var ev StreamEvent
	if err := json.Unmarshal(msg, &ev); err != nil {
		return StreamEvent{}, fmt.Errorf("decode stream event: %w", err)
	}
	return ev, nil
}
