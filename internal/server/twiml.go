package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/twilio/twilio-go/twiml"

	logx "github.com/relaycall-core/server/pkg/logger"
)

// twiml answers Twilio's voice webhook with a ConversationRelay pointing at
// this service's socket. The agent comes from the agentId query parameter,
// or the default agent.
func (s *Server) twiml(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agentId")
	if agentID == "" {
		agentID = s.defaultAgentID
	}

	relay := &twiml.VoiceConversationRelay{
		Url:             "wss://" + s.domain(r) + "/ws",
		WelcomeGreeting: s.cfg.WelcomeGreeting,
		TtsProvider:     s.cfg.TTSProvider,
		Voice:           s.cfg.Voice,
	}
	if agentID != "" {
		relay.InnerElements = append(relay.InnerElements, &twiml.VoiceParameter{Name: "agentId", Value: agentID})
	}

	doc, err := twiml.Voice([]twiml.Element{
		&twiml.VoiceConnect{InnerElements: []twiml.Element{relay}},
	})
	if err != nil {
		logx.Error().Err(err).Msg("twiml encode failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write([]byte(doc))
}

// twimlURL is the webhook Twilio fetches when an outbound call connects.
func (s *Server) twimlURL(r *http.Request, agentID string) string {
	u := url.URL{Scheme: "https", Host: s.domain(r), Path: "/twiml"}
	if agentID != "" {
		u.RawQuery = url.Values{"agentId": {agentID}}.Encode()
	}
	return u.String()
}

// domain is the public host name. It falls back to the request host when
// none is configured.
func (s *Server) domain(r *http.Request) string {
	d := s.cfg.Domain
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	d = strings.TrimRight(d, "/")
	if d == "" && r != nil {
		d = r.Host
	}
	return d
}
