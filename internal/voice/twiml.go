package voice

import (
	"github.com/twilio/twilio-go/twiml"
)

const (
	// AlertScript opens every emergency call.
	AlertScript = "Alert from your fire detection system. A potential fire has been detected. " +
		"Please check your email for the fire analysis report and images. " +
		"This is an automated emergency notification."
	// FollowUpScript closes calls that do not enter a dialogue.
	FollowUpScript = "If you need immediate assistance, please call emergency services after this call."

	repromptText = "Are you still there? You can ask me about the fire alert."
	goodbyeText  = "No response received. Goodbye."
)

// ScriptTwiML is the fixed call played when no dialogue endpoint is
// reachable.
func ScriptTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: AlertScript},
		&twiml.VoicePause{Length: "1"},
		&twiml.VoiceSay{Message: FollowUpScript},
	})
}

// GatherTwiML speaks utterance and listens for the caller's answer, which
// Twilio posts to action as SpeechResult. Silence re-prompts once more and
// then hangs up.
func GatherTwiML(utterance, action string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceGather{
			Input:         "speech",
			Action:        action,
			Method:        "POST",
			SpeechTimeout: "auto",
			InnerElements: []twiml.Element{
				&twiml.VoiceSay{Message: utterance},
			},
		},
		&twiml.VoiceGather{
			Input:         "speech",
			Action:        action,
			Method:        "POST",
			SpeechTimeout: "auto",
			InnerElements: []twiml.Element{
				&twiml.VoiceSay{Message: repromptText},
			},
		},
		&twiml.VoiceSay{Message: goodbyeText},
		&twiml.VoiceHangup{},
	})
}

// HangupTwiML speaks utterance and ends the call.
func HangupTwiML(utterance string) (string, error) {
	return twiml.Voice([]twiml.Element{
		&twiml.VoiceSay{Message: utterance},
		&twiml.VoiceHangup{},
	})
}
