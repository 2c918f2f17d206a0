package tts

// DefaultVoice is used when no voice is configured.
const DefaultVoice = "en_US-amy-medium.onnx"

// SampleRate is the rate of the PCM streamed by every route.
const SampleRate = 16000

// Route selects the synthesis endpoint.
type Route int

const (
	// RouteSpeak synthesises Request.Text as given.
	RouteSpeak Route = iota

	// RouteAgentSpeak sends Request.Text to the agent and synthesises its reply.
	RouteAgentSpeak
)

// String returns a short label for logs and metrics.
func (r Route) String() string {
	switch r {
	case RouteSpeak:
		return "tts"
	case RouteAgentSpeak:
		return "agent_tts"
	default:
		return "unknown"
	}
}

// Request is the JSON body of a synthesis call.
type Request struct {
	// Text to speak, or the question for the agent routes.
	Text string `json:"text"`

	// Voice is the server-side voice model identifier.
	Voice string `json:"voice"`

	// System is an optional system prompt for the agent routes. It is never
	// sent on RouteSpeak.
	System string `json:"system,omitempty"`
}
