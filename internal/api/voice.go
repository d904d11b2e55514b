package api

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/emberwatch/emberwatch/internal/logger"
	"github.com/emberwatch/emberwatch/internal/voice"
)

const noSpeechReply = "Sorry, I didn't catch that. Could you say it again?"

// sessionID reads the call id under any of the names Twilio or a test client
// may use.
func sessionID(c echo.Context) string {
	for _, name := range []string{"callId", "sessionId", "CallSid"} {
		if v := strings.TrimSpace(c.FormValue(name)); v != "" {
			return v
		}
	}
	return ""
}

func turnAction(id string) string {
	return voice.TurnPath + "?sessionId=" + url.QueryEscape(id)
}

func twiML(c echo.Context, doc string, err error) error {
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, []byte(doc))
}

// handleVoiceSession answers the call webhook with the opening line.
func (s *Server) handleVoiceSession(c echo.Context) error {
	id := sessionID(c)
	if id == "" {
		return badRequest("callId, sessionId or CallSid is required")
	}
	doc, err := voice.GatherTwiML(s.dialogue.Opening(id), turnAction(id))
	return twiML(c, doc, err)
}

// handleVoiceTurn answers one caller utterance.
func (s *Server) handleVoiceTurn(c echo.Context) error {
	id := sessionID(c)
	if id == "" {
		return badRequest("callId, sessionId or CallSid is required")
	}

	speech := strings.TrimSpace(c.FormValue("SpeechResult"))
	if speech == "" {
		speech = strings.TrimSpace(c.FormValue("speechText"))
	}
	if speech == "" {
		doc, err := voice.GatherTwiML(noSpeechReply, turnAction(id))
		return twiML(c, doc, err)
	}

	reply := s.dialogue.Advance(c.Request().Context(), id, speech)
	doc, err := voice.GatherTwiML(reply, turnAction(id))
	return twiML(c, doc, err)
}

// handleVoiceStatus ends the session once Twilio reports a terminal status.
func (s *Server) handleVoiceStatus(c echo.Context) error {
	id := sessionID(c)
	status := c.FormValue("CallStatus")
	if id != "" && voice.TerminalStatus(status) {
		s.dialogue.End(id)
		s.log.Debug("call ended",
			logger.String("session_id", id),
			logger.String("status", status))
	}
	return c.NoContent(http.StatusNoContent)
}
