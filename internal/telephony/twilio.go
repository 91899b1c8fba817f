package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"

	"github.com/relaycall-core/server/internal/agent/model"
	errx "github.com/relaycall-core/server/internal/core/error"
	logx "github.com/relaycall-core/server/pkg/logger"
)

const defaultBaseURL = "https://api.twilio.com"

// Twilio controls calls through the Twilio REST API.
type Twilio struct {
	accountSID  string
	phoneNumber string
	rest        *twilio.RestClient
}

// NewTwilio returns nil when no account is configured, so callers can treat
// call control as optional. A BaseURL other than the public API host routes
// every request there instead.
func NewTwilio(cfg model.TelephonyConfig, httpClient *http.Client) *Twilio {
	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base != "" && base != defaultBaseURL {
		if target, err := url.Parse(base); err == nil && target.Host != "" {
			next := httpClient.Transport
			if next == nil {
				next = http.DefaultTransport
			}
			rerouted := *httpClient
			rerouted.Transport = &rerouteTransport{target: target, next: next}
			httpClient = &rerouted
		} else {
			logx.Warn().Str("base_url", cfg.BaseURL).Msg("ignoring invalid TWILIO_BASE_URL")
		}
	}

	c := &client.Client{
		Credentials: client.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	c.SetAccountSid(cfg.AccountSID)

	return &Twilio{
		accountSID:  cfg.AccountSID,
		phoneNumber: cfg.PhoneNumber,
		rest:        twilio.NewRestClientWithParams(twilio.ClientParams{Client: c}),
	}
}

// Call is the subset of the Twilio call resource the service reads.
type Call struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
	To     string `json:"to"`
	From   string `json:"from"`
}

// Hangup completes an in-progress call.
func (t *Twilio) Hangup(ctx context.Context, callSID string) error {
	if err := ctx.Err(); err != nil {
		return errx.Upstream(err, "telephony request failed")
	}
	params := &openapi.UpdateCallParams{}
	params.SetPathAccountSid(t.accountSID)
	params.SetStatus("completed")
	if _, err := t.rest.Api.UpdateCall(callSID, params); err != nil {
		return upstream(err)
	}
	logx.Info().Str("call_sid", callSID).Msg("call hung up")
	return nil
}

// Transfer redirects a live call to dial phoneNumber.
func (t *Twilio) Transfer(ctx context.Context, callSID, phoneNumber string) error {
	doc, err := dialTwiML(phoneNumber)
	if err != nil {
		return errx.Configuration(err, "invalid transfer number")
	}
	if err := ctx.Err(); err != nil {
		return errx.Upstream(err, "telephony request failed")
	}
	params := &openapi.UpdateCallParams{}
	params.SetPathAccountSid(t.accountSID)
	params.SetTwiml(doc)
	if _, err := t.rest.Api.UpdateCall(callSID, params); err != nil {
		return upstream(err)
	}
	logx.Info().Str("call_sid", callSID).Str("to", phoneNumber).Msg("call transferred")
	return nil
}

// PlaceCall starts an outbound call from the configured number that fetches
// its TwiML from twimlURL. Calls are recorded on both channels.
func (t *Twilio) PlaceCall(ctx context.Context, to, twimlURL string) (*Call, error) {
	if t.phoneNumber == "" {
		return nil, errx.Configuration(fmt.Errorf("TWILIO_PHONE_NUMBER is not set"), "outbound calling is not configured")
	}
	if err := ctx.Err(); err != nil {
		return nil, errx.Upstream(err, "telephony request failed")
	}
	params := &openapi.CreateCallParams{}
	params.SetPathAccountSid(t.accountSID)
	params.SetTo(to)
	params.SetFrom(t.phoneNumber)
	params.SetUrl(twimlURL)
	params.SetRecord(true)
	params.SetRecordingChannels("dual")

	resp, err := t.rest.Api.CreateCall(params)
	if err != nil {
		return nil, upstream(err)
	}
	call := &Call{
		SID:    deref(resp.Sid),
		Status: deref(resp.Status),
		To:     deref(resp.To),
		From:   deref(resp.From),
	}
	logx.Info().Str("call_sid", call.SID).Str("to", to).Msg("outbound call initiated")
	return call, nil
}

func upstream(err error) error {
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return errx.Upstream(fmt.Errorf("twilio %d (code %d): %s", restErr.Status, restErr.Code, restErr.Message), "telephony request failed")
	}
	return errx.Upstream(err, "telephony request failed")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func dialTwiML(phoneNumber string) (string, error) {
	if !ValidE164(phoneNumber) {
		return "", fmt.Errorf("%q is not an E.164 number", phoneNumber)
	}
	return twiml.Voice([]twiml.Element{&twiml.VoiceDial{Number: phoneNumber}})
}

// rerouteTransport sends requests built for the public API host to target.
type rerouteTransport struct {
	target *url.URL
	next   http.RoundTripper
}

func (rt *rerouteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.target.Scheme
	out.URL.Host = rt.target.Host
	out.Host = rt.target.Host
	return rt.next.RoundTrip(out)
}

// ValidE164 accepts a plus sign followed by digits only.
func ValidE164(number string) bool {
	if len(number) < 2 || len(number) > 16 || number[0] != '+' {
		return false
	}
	for _, r := range number[1:] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
