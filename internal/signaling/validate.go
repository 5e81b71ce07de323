package signaling

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
)

var ErrInvalidData = errors.New("invalid room data")

const maxRoomIDLength = 128

// ValidateRoomID rejects empty, oversized or whitespace-padded ids.
func ValidateRoomID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: room id is required", ErrInvalidData)
	}
	if len(id) > maxRoomIDLength {
		return fmt.Errorf("%w: room id longer than %d bytes", ErrInvalidData, maxRoomIDLength)
	}
	if strings.TrimSpace(id) != id {
		return fmt.Errorf("%w: room id has surrounding whitespace", ErrInvalidData)
	}
	return nil
}

// ValidateDescription checks that desc is present, of the expected type and
// carries an SDP body that parses.
func ValidateDescription(desc *webrtc.SessionDescription, want webrtc.SDPType) error {
	if desc == nil {
		return fmt.Errorf("%w: %s is required", ErrInvalidData, want)
	}
	if desc.Type != want {
		return fmt.Errorf("%w: expected %s, got %s", ErrInvalidData, want, desc.Type)
	}
	if strings.TrimSpace(desc.SDP) == "" {
		return fmt.Errorf("%w: %s has empty sdp", ErrInvalidData, want)
	}
	if _, err := desc.Unmarshal(); err != nil {
		return fmt.Errorf("%w: %s sdp does not parse: %v", ErrInvalidData, want, err)
	}
	return nil
}

// ValidateCandidate accepts any non-nil candidate. An empty candidate string
// is the end-of-candidates marker and is relayed like any other.
func ValidateCandidate(c *webrtc.ICECandidateInit) error {
	if c == nil {
		return fmt.Errorf("%w: candidate is required", ErrInvalidData)
	}
	return nil
}
