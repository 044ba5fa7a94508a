// Package server exposes the rig over HTTP: a management API, a websocket
// stream of bus traffic, Prometheus metrics and a setup page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"finesse/pkg/bus"
	"finesse/pkg/device"
	"finesse/pkg/hwset"
	"finesse/pkg/manager"
	"finesse/pkg/registry"
	"finesse/pkg/script"
	"finesse/pkg/sequencer"
	"finesse/pkg/store"
)

// maxBodySize limits request bodies (hardware sets, scripts, parameters).
const maxBodySize = 1 << 20

type Description struct {
	Name                string `json:"ServerName"`
	Manufacturer        string `json:"Manufacturer"`
	ManufacturerVersion string `json:"ManufacturerVersion"`
	Location            string `json:"Location"`
}

// Config holds the components the server exposes.
type Config struct {
	Description Description
	Registry    *registry.Registry
	Manager     *manager.Manager
	Sequencer   *sequencer.Sequencer
	Bus         *bus.Bus
	Store       *store.Store
	Catalogue   *hwset.Catalogue
	Templates   *template.Template
	Gatherer    prometheus.Gatherer
	Logger      log.FieldLogger
}

type Server struct {
	Config
}

func New(cfg Config) *Server {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = log.WithField("component", "server")
	}
	return &Server{Config: cfg}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/", s.handleStatusPage)
	r.Get("/setup", s.handleSetup)
	r.Post("/setup", s.handleSetup)
	r.Handle("/metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))

	r.Route("/management/v1", func(r chi.Router) {
		r.Get("/description", s.handleDescription)
		r.Get("/devicetypes", s.handleDeviceTypes)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/devices", s.handleDevices)
		r.Route("/devices/{key}", func(r chi.Router) {
			r.Get("/state", s.handleDeviceState)
			r.Put("/open", s.handleOpen)
			r.Put("/close", s.handleClose)
			r.Put("/command/{command}", s.handleCommand)
		})

		r.Get("/hardwaresets", s.handleHardwareSets)
		r.Post("/hardwaresets", s.handleSaveHardwareSet)
		r.Delete("/hardwaresets/{name}", s.handleDeleteHardwareSet)
		r.Put("/hardwaresets/{name}/open", s.handleOpenHardwareSet)

		r.Get("/sequence", s.handleSequenceStatus)
		r.Put("/sequence/start", s.handleSequenceStart)
		r.Put("/sequence/pause", s.handleSequenceControl(s.Sequencer.Pause))
		r.Put("/sequence/resume", s.handleSequenceControl(s.Sequencer.Resume))
		r.Put("/sequence/abort", s.handleSequenceControl(s.Sequencer.Abort))

		r.Get("/events", s.handleEvents)
	})

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.Logger.WithFields(log.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"request_id": middleware.GetReqID(r.Context()),
			"duration":   time.Since(start),
		}).Debug("Request")
	})
}

func (s *Server) handleDescription(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.Description)
}

func (s *Server) handleDeviceTypes(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.Registry.ListTypes())
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.Manager.Instances())
}

// instanceRef parses the {key} URL parameter.
func instanceRef(r *http.Request) (device.InstanceRef, error) {
	ref, err := device.ParseInstanceRef(chi.URLParam(r, "key"))
	if err != nil {
		return ref, fmt.Errorf("%w: %v", device.ErrInvalidInstanceName, err)
	}
	return ref, nil
}

func (s *Server) handleDeviceState(w http.ResponseWriter, r *http.Request) {
	ref, err := instanceRef(r)
	if err != nil {
		handleErr(w, err)
		return
	}

	status, ok := s.Manager.Status(ref)
	if !ok {
		status = manager.InstanceStatus{Instance: ref, State: device.StateClosed}
	}
	handleResponse(w, status)
}

type openBody struct {
	ClassID string         `json:"class_id"`
	Params  map[string]any `json:"params"`
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	ref, err := instanceRef(r)
	if err != nil {
		handleErr(w, err)
		return
	}

	var body openBody
	if err := decodeJSON(w, r, &body); err != nil {
		handleBodyErr(w, err)
		return
	}

	if err := s.Manager.Open(ref, body.ClassID, body.Params); err != nil {
		handleErr(w, err)
		return
	}
	handleResponse(w, s.Manager.State(ref))
}

func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	ref, err := instanceRef(r)
	if err != nil {
		handleErr(w, err)
		return
	}
	if err := s.Manager.Close(ref); err != nil {
		handleErr(w, err)
		return
	}
	handleResponse(w, s.Manager.State(ref))
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	ref, err := instanceRef(r)
	if err != nil {
		handleErr(w, err)
		return
	}

	var args map[string]any
	if err := decodeJSON(w, r, &args); err != nil {
		handleBodyErr(w, err)
		return
	}

	cmd := device.Command{Name: chi.URLParam(r, "command"), Args: args}
	if err := s.Manager.Dispatch(ref, cmd); err != nil {
		handleErr(w, err)
		return
	}
	handleResponse(w, true)
}

func (s *Server) handleHardwareSets(w http.ResponseWriter, r *http.Request) {
	sets, err := s.Catalogue.List()
	if err != nil {
		handleErr(w, err)
		return
	}
	handleResponse(w, sets)
}

// handleSaveHardwareSet stores a user hardware set. The body is YAML or
// JSON. The set is validated against the registry before it is saved.
func (s *Server) handleSaveHardwareSet(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		handleBodyErr(w, err)
		return
	}

	doc, err := hwset.Parse(data)
	if err != nil {
		handleError(w, ErrNumberInvalidRequest, err.Error())
		return
	}
	if doc.Name == "" {
		handleErr(w, hwset.ErrNoName)
		return
	}
	if _, err := hwset.Load(doc, s.Registry); err != nil {
		handleErr(w, err)
		return
	}

	if existing, ok, err := s.Catalogue.Find(doc.Name); err != nil {
		handleErr(w, err)
		return
	} else if ok && existing.BuiltIn {
		handleError(w, ErrNumberInvalidState, fmt.Sprintf("%q is a built-in hardware set", doc.Name))
		return
	}

	if err := s.Store.SaveHardwareSet(doc); err != nil {
		handleErr(w, err)
		return
	}
	s.Logger.Infof("Saved hardware set %q", doc.Name)
	handleResponse(w, doc)
}

func (s *Server) handleDeleteHardwareSet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if existing, ok, err := s.Catalogue.Find(name); err != nil {
		handleErr(w, err)
		return
	} else if ok && existing.BuiltIn {
		handleError(w, ErrNumberInvalidState, fmt.Sprintf("%q is a built-in hardware set", name))
		return
	}

	if err := s.Store.DeleteHardwareSet(name); err != nil {
		handleErr(w, err)
		return
	}
	handleResponse(w, true)
}

func (s *Server) handleOpenHardwareSet(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	listing, ok, err := s.Catalogue.Find(name)
	if err != nil {
		handleErr(w, err)
		return
	}
	if !ok {
		handleError(w, ErrNumberNotFound, fmt.Sprintf("no hardware set called %q", name))
		return
	}

	set, err := hwset.Load(listing.Document, s.Registry)
	if err != nil {
		handleErr(w, err)
		return
	}
	set.BuiltIn = listing.BuiltIn

	if err := s.Manager.OpenSet(set); err != nil {
		handleErr(w, err)
		return
	}
	s.Logger.Infof("Opening hardware set %q", name)
	handleResponse(w, set)
}

func (s *Server) handleSequenceStatus(w http.ResponseWriter, r *http.Request) {
	handleResponse(w, s.Sequencer.Status())
}

// handleSequenceStart runs the measure script in the body (YAML or JSON).
func (s *Server) handleSequenceStart(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		handleBodyErr(w, err)
		return
	}

	prog, err := script.Parse(data)
	if err != nil {
		handleError(w, ErrNumberInvalidRequest, err.Error())
		return
	}

	id, err := s.Sequencer.Start(prog)
	if err != nil {
		handleErr(w, err)
		return
	}
	handleResponse(w, id)
}

func (s *Server) handleSequenceControl(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			handleErr(w, err)
			return
		}
		handleResponse(w, s.Sequencer.Status())
	}
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("error reading body: %w", err)
	}
	return data, nil
}

// decodeJSON decodes the body into v. An empty body leaves v unchanged.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// handleBodyErr reports a body that could not be read or decoded.
func handleBodyErr(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	http.Error(w, err.Error(), http.StatusBadRequest)
}
