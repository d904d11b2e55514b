// Package voice places the emergency phone call and renders the TwiML used by
// the spoken follow-up dialogue.
package voice

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	twilio "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/emberwatch/emberwatch/internal/conf"
	"github.com/emberwatch/emberwatch/internal/errors"
	"github.com/emberwatch/emberwatch/internal/logger"
)

// Webhook paths served by the API.
const (
	SessionPath = "/voice/session"
	TurnPath    = "/voice/session/turn"
	StatusPath  = "/voice/session/status"
)

// Config configures the Twilio caller.
type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	To         string
	// PublicURL is the externally reachable base of this service. When empty
	// calls play the fixed alert script instead of starting a dialogue.
	PublicURL string
	Timeout   time.Duration
}

// ConfigFrom maps settings to a Config.
func ConfigFrom(v *conf.VoiceSettings, publicURL string) Config {
	return Config{
		AccountSID: v.AccountSID,
		AuthToken:  v.AuthToken,
		From:       v.From,
		To:         v.EmergencyNumber,
		PublicURL:  publicURL,
	}
}

func (c Config) validate() error {
	var missing []string
	if c.AccountSID == "" {
		missing = append(missing, "account sid")
	}
	if c.AuthToken == "" {
		missing = append(missing, "auth token")
	}
	if c.From == "" {
		missing = append(missing, "from number")
	}
	if c.To == "" {
		missing = append(missing, "emergency number")
	}
	if len(missing) > 0 {
		return fmt.Errorf("voice: missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// TwilioCaller places outbound calls through the Twilio REST API.
type TwilioCaller struct {
	config Config
	rest   *twilio.RestClient
	log    logger.Logger
}

// NewTwilioCaller validates cfg. httpClient may be nil.
func NewTwilioCaller(cfg Config, httpClient *http.Client, log logger.Logger) (*TwilioCaller, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	cfg.PublicURL = strings.TrimRight(cfg.PublicURL, "/")

	if httpClient == nil {
		httpClient = &http.Client{}
	}
	base := &twilioclient.Client{
		Credentials: twilioclient.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  &http.Client{Transport: httpClient.Transport, Timeout: cfg.Timeout},
	}
	base.SetAccountSid(cfg.AccountSID)

	return &TwilioCaller{
		config: cfg,
		rest:   twilio.NewRestClientWithParams(twilio.ClientParams{Client: base}),
		log:    log.Module("voice"),
	}, nil
}

func (c *TwilioCaller) Name() string { return "twilio" }

// PlaceCall dials the emergency number and returns the call SID. prepare,
// when set, runs with the SID before PlaceCall returns.
//
// CreateCall takes no context, so ctx is only checked before dialing and the
// HTTP client timeout bounds the request. Once dialed, the outcome reported
// is the provider's, never a local deadline.
func (c *TwilioCaller) PlaceCall(ctx context.Context, subjectID string, prepare func(callID string)) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", c.wrap(err, subjectID)
	}

	params := &twilioapi.CreateCallParams{}
	params.SetTo(c.config.To)
	params.SetFrom(c.config.From)

	if c.config.PublicURL != "" {
		params.SetUrl(c.config.PublicURL + SessionPath)
		params.SetMethod(http.MethodPost)
		params.SetStatusCallback(c.config.PublicURL + StatusPath)
		params.SetStatusCallbackMethod(http.MethodPost)
		params.SetStatusCallbackEvent([]string{"completed"})
	} else {
		script, err := ScriptTwiML()
		if err != nil {
			return "", c.wrap(err, subjectID)
		}
		params.SetTwiml(script)
	}

	resp, err := c.rest.Api.CreateCall(params)
	if err != nil {
		return "", c.wrap(err, subjectID)
	}
	if resp == nil || resp.Sid == nil || *resp.Sid == "" {
		return "", c.wrap(fmt.Errorf("twilio returned no call sid"), subjectID)
	}
	sid := *resp.Sid
	if prepare != nil {
		prepare(sid)
	}
	if ctx.Err() != nil {
		c.log.Warn("call placed after the caller's deadline",
			logger.String("call_sid", sid),
			logger.String("subject_id", subjectID))
	}
	c.log.Info("emergency call placed",
		logger.String("call_sid", sid),
		logger.String("subject_id", subjectID))
	return sid, nil
}

func (c *TwilioCaller) wrap(err error, subjectID string) error {
	return errors.New(err).
		Component("voice").
		Category(errors.CategoryCall).
		Context("provider", "twilio").
		Context("subject_id", subjectID).
		Build()
}
