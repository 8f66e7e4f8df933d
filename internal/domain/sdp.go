package domain

type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

type SessionDescription struct {
	Type SDPType `json:"type" bson:"type"`
	SDP  string  `json:"sdp" bson:"sdp"`
}

// ICECandidate is the opaque transport descriptor exchanged through the
// candidate logs.
type ICECandidate struct {
	Candidate        string  `json:"candidate" bson:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty" bson:"sdp_mid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty" bson:"sdp_m_line_index,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty" bson:"username_fragment,omitempty"`
}
