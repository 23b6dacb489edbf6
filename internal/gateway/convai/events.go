// Package convai maintains the websocket conversation with an ElevenLabs
// conversational AI agent: audio up, synthesized audio and control events down.
package convai

import "encoding/json"

// serverEvent is the envelope for every inbound message. Type selects which
// of the per-event payloads is present.
type serverEvent struct {
	Type string `json:"type"`

	ConversationInitiationMetadataEvent *struct {
		ConversationID string `json:"conversation_id"`
	} `json:"conversation_initiation_metadata_event"`

	AudioEvent *struct {
		AudioBase64 string `json:"audio_base_64"`
		EventID     int    `json:"event_id"`
	} `json:"audio_event"`

	PingEvent *struct {
		EventID int `json:"event_id"`
	} `json:"ping_event"`

	UserTranscriptionEvent *struct {
		UserTranscript string `json:"user_transcript"`
	} `json:"user_transcription_event"`

	AgentResponseEvent *struct {
		AgentResponse string `json:"agent_response"`
	} `json:"agent_response_event"`

	AgentResponseCorrectionEvent *struct {
		CorrectedAgentResponse string `json:"corrected_agent_response"`
	} `json:"agent_response_correction_event"`

	ClientToolCall *struct {
		ToolName   string          `json:"tool_name"`
		ToolCallID string          `json:"tool_call_id"`
		Parameters json.RawMessage `json:"parameters"`
	} `json:"client_tool_call"`
}

// Inbound event types.
const (
	eventInitiationMetadata = "conversation_initiation_metadata"
	eventAudio              = "audio"
	eventInterruption       = "interruption"
	eventPing               = "ping"
	eventUserTranscript     = "user_transcript"
	eventAgentResponse      = "agent_response"
	eventAgentCorrection    = "agent_response_correction"
	eventClientToolCall     = "client_tool_call"
)

type pongMessage struct {
	Type    string `json:"type"`
	EventID int    `json:"event_id"`
}

type userAudioChunk struct {
	UserAudioChunk string `json:"user_audio_chunk"`
}

// initiationMessage is sent right after connecting. Dynamic variables carry
// caller context into the agent; the override block customizes its prompt and
// greeting per call.
type initiationMessage struct {
	Type             string            `json:"type"`
	DynamicVariables map[string]string `json:"dynamic_variables,omitempty"`

	ConversationConfigOverride *struct {
		Agent *agentOverride `json:"agent,omitempty"`
	} `json:"conversation_config_override,omitempty"`
}

type agentOverride struct {
	Prompt       *promptOverride `json:"prompt,omitempty"`
	FirstMessage string          `json:"first_message,omitempty"`
}

type promptOverride struct {
	Prompt string `json:"prompt"`
}

func newInitiationMessage(callerNumber, prompt, firstMessage string) initiationMessage {
	msg := initiationMessage{Type: "conversation_initiation_client_data"}

	if callerNumber != "" {
		msg.DynamicVariables = map[string]string{"caller_number": callerNumber}
	}
	if prompt != "" || firstMessage != "" {
		override := &agentOverride{FirstMessage: firstMessage}
		if prompt != "" {
			override.Prompt = &promptOverride{Prompt: prompt}
		}
		msg.ConversationConfigOverride = &struct {
			Agent *agentOverride `json:"agent,omitempty"`
		}{Agent: override}
	}
	return msg
}
