package server

import (
	"fmt"
	"net/http"
	"strings"

	"finesse/pkg/manager"
	"finesse/pkg/sequencer"
	"finesse/pkg/store"
)

// handleSetup shows and saves the MQTT broker settings used as defaults by
// MQTT-bridged devices. Changes apply after a restart.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cfg, err := s.Store.GetMQTTConfig()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, false, "")

	case http.MethodPost:
		cfg, err := parseSetupForm(r)
		if err != nil {
			s.renderSetupForm(w, cfg, false, err.Error())
			return
		}

		s.Logger.Infof("Setting MQTT config: host=%s topic_root=%s", cfg.Host, cfg.TopicRoot)
		if err := s.Store.SetMQTTConfig(cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.renderSetupForm(w, cfg, true, "")

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) renderSetupForm(w http.ResponseWriter, cfg store.MQTTConfig, success bool, err string) {
	data := struct {
		store.MQTTConfig
		Success bool
		Error   string
	}{cfg, success, err}

	if err := s.Templates.ExecuteTemplate(w, "setup.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.Logger.Errorf("Error rendering template: %v", err)
	}
}

func parseSetupForm(r *http.Request) (store.MQTTConfig, error) {
	if err := r.ParseForm(); err != nil {
		return store.MQTTConfig{}, fmt.Errorf("error parsing form: %v", err)
	}

	cfg := store.MQTTConfig{
		Host:      strings.TrimSpace(r.FormValue("mqtt-host")),
		Username:  r.FormValue("mqtt-username"),
		Password:  r.FormValue("mqtt-password"),
		TopicRoot: strings.TrimSpace(r.FormValue("mqtt-topic-root")),
	}
	if cfg.Host == "" {
		return cfg, fmt.Errorf("MQTT host is required")
	}
	if cfg.TopicRoot == "" {
		cfg.TopicRoot = store.DefaultMQTTConfig.TopicRoot
	}
	return cfg, nil
}

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	data := struct {
		Description Description
		Instances   []manager.InstanceStatus
		Sequence    sequencer.Progress
	}{s.Description, s.Manager.Instances(), s.Sequencer.Status()}

	if err := s.Templates.ExecuteTemplate(w, "status.html", data); err != nil {
		http.Error(w, "Error rendering template", http.StatusInternalServerError)
		s.Logger.Errorf("Error rendering template: %v", err)
	}
}
