package bridge

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"image"
	_ "image/png"

	_ "golang.org/x/image/bmp"
)

// Telemetry is the per-tick game state reported by the frame grabber.
type Telemetry struct {
	Time  int    `json:"time"`
	Score int    `json:"score"`
	Coins int    `json:"coins"`
	Lives int    `json:"lives"`
	World string `json:"world"`
}

// wireTelemetry uses pointers so absent or null fields are detectable.
type wireTelemetry struct {
	Time  *int    `json:"time"`
	Score *int    `json:"score"`
	Coins *int    `json:"coins"`
	Lives *int    `json:"lives"`
	World *string `json:"world"`
	Image *string `json:"image"`
}

// DecodeTelemetry parses one non-empty response line and decodes the
// embedded screenshot. Any failure is a *ProtocolError.
func DecodeTelemetry(line string) (Telemetry, image.Image, error) {
	var w wireTelemetry
	if err := json.Unmarshal([]byte(line), &w); err != nil {
		return Telemetry{}, nil, &ProtocolError{Line: line, Reason: "malformed telemetry", Err: err}
	}

	missing := ""
	switch {
	case w.Time == nil:
		missing = "time"
	case w.Score == nil:
		missing = "score"
	case w.Coins == nil:
		missing = "coins"
	case w.Lives == nil:
		missing = "lives"
	case w.World == nil:
		missing = "world"
	case w.Image == nil:
		missing = "image"
	}
	if missing != "" {
		return Telemetry{}, nil, &ProtocolError{Line: line, Reason: "missing field " + missing}
	}

	raw, err := base64.StdEncoding.DecodeString(*w.Image)
	if err != nil {
		return Telemetry{}, nil, &ProtocolError{Line: line, Reason: "image is not base64", Err: err}
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return Telemetry{}, nil, &ProtocolError{Line: line, Reason: "undecodable image", Err: err}
	}

	return Telemetry{
		Time:  *w.Time,
		Score: *w.Score,
		Coins: *w.Coins,
		Lives: *w.Lives,
		World: *w.World,
	}, img, nil
}
