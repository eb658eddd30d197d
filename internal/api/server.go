// Package api exposes the live speaker view, recording control and the
// post-meeting review over a websocket and a local gRPC stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"whonext/audio"
	"whonext/contacts"
	"whonext/diarization"
	"whonext/internal/config"
	"whonext/internal/service"
	"whonext/models"
	"whonext/review"
	"whonext/voiceprint"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	stopTimeout      = 30 * time.Second
	assistantTimeout = 5 * time.Minute
	// defaultAutoApply is the suggestion confidence auto_apply accepts
	// when the request names none.
	defaultAutoApply = 0.85
)

// DeviceLister enumerates audio devices.
type DeviceLister interface {
	ListDevices() ([]audio.Device, error)
}

// Deps are the services the server drives. Any of them may be nil; the
// matching commands then answer with an error.
type Deps struct {
	Recorder  *service.RecordingService
	Meetings  *service.MeetingStore
	Voices    *voiceprint.Store
	People    contacts.Directory
	Models    *models.Manager
	Assistant *service.Assistant
	Devices   DeviceLister
}

type Server struct {
	Config config.ServerConfig
	Deps

	logger *logrus.Logger
	log    *logrus.Entry

	mu      sync.Mutex
	clients map[*client]struct{}

	reviewMu sync.Mutex
	reviews  map[string]*review.Workflow
}

func NewServer(cfg config.ServerConfig, deps Deps, logger *logrus.Logger) *Server {
	if deps.People == nil {
		deps.People = contacts.NewMemoryDirectory()
	}
	s := &Server{
		Config:  cfg,
		Deps:    deps,
		logger:  logger,
		log:     logger.WithField("component", "api"),
		clients: make(map[*client]struct{}),
		reviews: make(map[string]*review.Workflow),
	}
	s.setupCallbacks()
	return s
}

// Handler returns the HTTP routes: the websocket and the meetings API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /api/meetings", s.handleMeetings)
	mux.HandleFunc("GET /api/meetings/{id}", s.handleMeeting)
	mux.HandleFunc("GET /api/meetings/{id}/audio", s.handleMeetingAudio)
	mux.HandleFunc("GET /api/meetings/{id}/transcript", s.handleTranscript)
	return withCORS(mux)
}

// Start serves HTTP and the gRPC control stream until ctx ends.
func (s *Server) Start(ctx context.Context) error {
	httpSrv := &http.Server{
		Addr:              ":" + s.Config.Port,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.log.WithField("port", s.Config.Port).Info("Backend listening")
		errc <- httpSrv.ListenAndServe()
	}()

	addr := s.Config.GRPCAddr
	if addr == "" {
		addr = defaultControlAddr()
	}
	go func() {
		if err := s.serveGRPC(ctx, addr); err != nil {
			s.log.WithError(err).WithField("addr", addr).Warn("gRPC control stopped")
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) setupCallbacks() {
	if s.Models != nil {
		s.Models.SetProgressCallback(func(modelID string, progress float64, status models.ModelStatus, err error) {
			msg := Message{Type: "model_progress", ModelID: modelID, Progress: progress, Data: string(status)}
			if err != nil {
				msg.Error = err.Error()
			}
			s.broadcast(msg)
		})
	}

	if s.Recorder != nil {
		s.Recorder.OnAudioLevel = func(mic, sys float64, overlapping bool) {
			s.broadcast(Message{Type: "audio_level", MicLevel: mic, SystemLevel: sys, Overlapping: overlapping})
		}
		s.Recorder.OnSessionStart = func(sess *diarization.Session) {
			sess.OnUpdate(func(snap diarization.Snapshot) {
				s.broadcast(Message{Type: "speakers_update", MeetingID: snap.SessionID, Snapshot: &snap})
			})
		}
	}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	n := len(s.clients)
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"kind": c.kind, "clients": n}).Debug("Client connected")
}

func (s *Server) removeClient(c *client) {
	c.close()
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) broadcast(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		c.send(msg)
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newClient("ws", s.log)
	s.addClient(c)
	defer s.removeClient(c)
	go func() {
		if err := c.pump(ctx, func(m Message) error { return conn.WriteJSON(m) }); err != nil {
			s.log.WithError(err).Debug("Websocket write failed")
		}
	}()

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("Websocket read ended")
			}
			return
		}
		s.dispatch(ctx, c, msg)
	}
}

// dispatch runs one command. Replies carry the request's RequestID; events
// that concern every client are broadcast instead.
func (s *Server) dispatch(ctx context.Context, c *client, msg Message) {
	reply := func(m Message) {
		m.RequestID = msg.RequestID
		c.send(m)
	}
	fail := func(err error) {
		reply(Message{Type: "error", Data: msg.Type, Error: err.Error()})
	}

	var err error
	switch msg.Type {
	case "get_devices":
		err = s.getDevices(reply)
	case "get_models", "download_model", "cancel_download", "delete_model":
		err = s.handleModels(msg, reply)
	case "get_meetings", "get_meeting", "delete_meeting":
		err = s.handleMeetingCommand(msg, reply)
	case "start_recording":
		err = s.startRecording(ctx, msg, reply)
	case "stop_recording":
		err = s.stopRecording()
	case "get_snapshot", "confirm_speaker", "reject_match", "mark_transcript_only":
		err = s.handleLive(ctx, msg, reply)
	case "get_review", "resolve_speaker", "auto_apply":
		err = s.handleReview(ctx, msg, reply)
	case "generate_summary", "ask_question", "extract_participants":
		err = s.handleAssistant(msg, reply)
	case "get_voiceprints", "rename_voiceprint", "delete_voiceprint":
		err = s.handleVoicePrints(msg, reply)
	default:
		err = fmt.Errorf("unknown command %q", msg.Type)
	}
	if err != nil {
		s.log.WithError(err).WithField("command", msg.Type).Debug("Command failed")
		fail(err)
	}
}

func (s *Server) getDevices(reply func(Message)) error {
	if s.Devices == nil {
		return errors.New("audio devices unavailable")
	}
	devices, err := s.Devices.ListDevices()
	if err != nil {
		return err
	}
	reply(Message{Type: "devices", Devices: devices})
	return nil
}

func (s *Server) handleModels(msg Message, reply func(Message)) error {
	if s.Models == nil {
		return errors.New("model manager unavailable")
	}
	if msg.Type != "get_models" && msg.ModelID == "" {
		return errors.New("modelId is required")
	}
	switch msg.Type {
	case "download_model":
		if err := s.Models.DownloadAsync(msg.ModelID); err != nil {
			return err
		}
		reply(Message{Type: "download_started", ModelID: msg.ModelID})
		return nil
	case "cancel_download":
		if err := s.Models.CancelDownload(msg.ModelID); err != nil {
			return err
		}
		reply(Message{Type: "download_cancelled", ModelID: msg.ModelID})
	case "delete_model":
		if err := s.Models.Delete(msg.ModelID); err != nil {
			return err
		}
		reply(Message{Type: "model_deleted", ModelID: msg.ModelID})
	}
	reply(Message{Type: "models_list", Models: s.Models.States()})
	return nil
}

func (s *Server) handleMeetingCommand(msg Message, reply func(Message)) error {
	if s.Meetings == nil {
		return errors.New("meeting store unavailable")
	}
	switch msg.Type {
	case "get_meetings":
		reply(Message{Type: "meetings_list", Meetings: s.Meetings.List()})
	case "get_meeting":
		m, err := s.Meetings.Get(msg.MeetingID)
		if err != nil {
			return err
		}
		out := Message{Type: "meeting_details", MeetingID: m.ID, Meeting: m}
		if result, err := s.resultFor(m.ID); err == nil {
			out.Result = result
		}
		reply(out)
	case "delete_meeting":
		if err := s.Meetings.Delete(msg.MeetingID); err != nil {
			return err
		}
		s.dropReview(msg.MeetingID)
		s.broadcast(Message{Type: "meeting_deleted", MeetingID: msg.MeetingID})
	}
	return nil
}

func (s *Server) startRecording(ctx context.Context, msg Message, reply func(Message)) error {
	if s.Recorder == nil {
		return errors.New("recording unavailable")
	}
	m, sess, err := s.Recorder.Start(ctx, msg.Title, msg.Attendees)
	if err != nil {
		return err
	}
	snap := sess.Snapshot()
	s.broadcast(Message{Type: "recording_started", MeetingID: m.ID, Meeting: m, Snapshot: &snap})
	return nil
}

func (s *Server) stopRecording() error {
	if s.Recorder == nil {
		return errors.New("recording unavailable")
	}
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	m, result, err := s.Recorder.Stop(ctx)
	if m == nil {
		return err
	}
	if err != nil {
		s.log.WithError(err).WithField("meeting", m.ID).Error("Meeting not fully saved")
	}
	s.dropReview(m.ID)
	s.broadcast(Message{Type: "recording_stopped", MeetingID: m.ID, Meeting: m, Result: result})
	return nil
}

// handleLive applies naming commands to the running session.
func (s *Server) handleLive(ctx context.Context, msg Message, reply func(Message)) error {
	if s.Recorder == nil {
		return errors.New("recording unavailable")
	}
	sess := s.Recorder.Current()
	if sess == nil {
		return service.ErrNotRecording
	}

	var err error
	switch msg.Type {
	case "confirm_speaker":
		var person contacts.Person
		person, err = s.person(ctx, msg)
		if err == nil {
			err = sess.ConfirmSpeaker(ctx, msg.Speaker, person.ID, person.Name, person.IsMe || msg.IsMe)
		}
	case "reject_match":
		err = sess.RejectMatch(ctx, msg.Speaker)
	case "mark_transcript_only":
		err = sess.MarkTranscriptOnly(ctx, msg.Speaker, msg.Name)
	}
	if err != nil {
		return err
	}
	snap := sess.Snapshot()
	reply(Message{Type: "snapshot", MeetingID: sess.ID(), Snapshot: &snap})
	return nil
}

// person resolves the target of a live confirmation: an explicit person id,
// the local user, or a name looked up and created on demand.
func (s *Server) person(ctx context.Context, msg Message) (contacts.Person, error) {
	switch {
	case msg.PersonID != "":
		return s.People.Get(ctx, msg.PersonID)
	case msg.IsMe:
		return s.People.Me(ctx)
	case msg.Name == "":
		return contacts.Person{}, errors.New("personId or name is required")
	}
	found, err := s.People.FindByName(ctx, msg.Name)
	if err != nil {
		return contacts.Person{}, err
	}
	if len(found) > 0 {
		return found[0], nil
	}
	return s.People.Create(ctx, msg.Name, "")
}

func (s *Server) resultFor(meetingID string) (*diarization.Result, error) {
	s.reviewMu.Lock()
	wf := s.reviews[meetingID]
	s.reviewMu.Unlock()
	if wf != nil {
		return wf.Result(), nil
	}
	return s.Meetings.LoadResult(meetingID)
}

func (s *Server) workflow(meetingID string) (*review.Workflow, *service.Meeting, error) {
	if s.Meetings == nil {
		return nil, nil, errors.New("meeting store unavailable")
	}
	m, err := s.Meetings.Get(meetingID)
	if err != nil {
		return nil, nil, err
	}
	if m.Status == service.MeetingRecording {
		return nil, nil, fmt.Errorf("meeting %s is still recording", meetingID)
	}

	s.reviewMu.Lock()
	defer s.reviewMu.Unlock()
	if wf, ok := s.reviews[meetingID]; ok {
		return wf, m, nil
	}
	result, err := s.Meetings.LoadResult(meetingID)
	if err != nil {
		return nil, nil, err
	}

	var (
		voices review.VoiceStore
		opts   []review.Option
	)
	if s.Voices != nil {
		voices = s.Voices
		if clips, err := s.Meetings.Clips(meetingID); err == nil {
			opts = append(opts, review.WithClips(clips, s.Voices))
		}
	}
	wf := review.New(result, voices, s.People, s.logger, opts...)
	s.reviews[meetingID] = wf
	return wf, m, nil
}

func (s *Server) dropReview(meetingID string) {
	s.reviewMu.Lock()
	delete(s.reviews, meetingID)
	s.reviewMu.Unlock()
}

func (s *Server) handleReview(ctx context.Context, msg Message, reply func(Message)) error {
	wf, m, err := s.workflow(msg.MeetingID)
	if err != nil {
		return err
	}

	// Slots confirmed live are learned on first contact with the review.
	outcomes := wf.LearnConfirmed(ctx)
	switch msg.Type {
	case "get_review":
		if len(outcomes) > 0 {
			if err := s.Meetings.SaveResult(m.ID, wf.Result()); err != nil {
				return err
			}
		}
		reply(Message{Type: "review_items", MeetingID: m.ID, Items: wf.Suggest(ctx, m.Attendees)})
		return nil

	case "resolve_speaker":
		if msg.Decision == nil {
			return errors.New("decision is required")
		}
		out, err := wf.Resolve(ctx, *msg.Decision)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, out)

	case "auto_apply":
		threshold := msg.MinScore
		if threshold <= 0 {
			threshold = defaultAutoApply
		}
		applied, err := wf.AutoApply(ctx, threshold)
		outcomes = append(outcomes, applied...)
		if err != nil {
			s.log.WithError(err).WithField("meeting", m.ID).Warn("Some suggestions not applied")
		}
	}

	for _, out := range outcomes {
		if out.LearningErr != nil {
			s.log.WithError(out.LearningErr).WithField("speaker", out.Speaker).Warn("Voice not learned")
		}
	}
	if err := s.Meetings.SaveResult(m.ID, wf.Result()); err != nil {
		return err
	}
	reply(Message{Type: "speaker_resolved", MeetingID: m.ID, Outcomes: outcomes, Items: wf.Pending(), Meeting: m})
	return nil
}

func (s *Server) transcript(meetingID string) (string, error) {
	if s.Meetings == nil {
		return "", errors.New("meeting store unavailable")
	}
	result, err := s.resultFor(meetingID)
	if err != nil {
		return "", err
	}
	return service.FormatTranscript(result), nil
}

// handleAssistant runs AI requests in the background; the answer arrives
// as a separate message.
func (s *Server) handleAssistant(msg Message, reply func(Message)) error {
	if s.Assistant == nil {
		return errors.New("assistant unavailable")
	}
	text, err := s.transcript(msg.MeetingID)
	if err != nil {
		return err
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), assistantTimeout)
		defer cancel()

		switch msg.Type {
		case "generate_summary":
			s.broadcast(Message{Type: "summary_started", MeetingID: msg.MeetingID})
			summary, err := s.Assistant.Summarize(ctx, text)
			if err != nil {
				s.broadcast(Message{Type: "summary_error", MeetingID: msg.MeetingID, Error: err.Error()})
				return
			}
			if err := s.Meetings.SetSummary(msg.MeetingID, summary); err != nil {
				s.log.WithError(err).Warn("Summary not saved")
			}
			s.broadcast(Message{Type: "summary_completed", MeetingID: msg.MeetingID, Summary: summary})

		case "ask_question":
			answer, err := s.Assistant.Chat(ctx, text, msg.History, msg.Question)
			if err != nil {
				reply(Message{Type: "error", Data: msg.Type, Error: err.Error()})
				return
			}
			reply(Message{Type: "answer", MeetingID: msg.MeetingID, Question: msg.Question, Answer: answer})

		case "extract_participants":
			names, err := s.Assistant.ExtractParticipants(ctx, text)
			if err != nil {
				reply(Message{Type: "error", Data: msg.Type, Error: err.Error()})
				return
			}
			reply(Message{Type: "participants", MeetingID: msg.MeetingID, Participants: names})
		}
	}()
	return nil
}

func (s *Server) handleVoicePrints(msg Message, reply func(Message)) error {
	if s.Voices == nil {
		return errors.New("voice print store unavailable")
	}
	switch msg.Type {
	case "rename_voiceprint":
		if err := s.Voices.Rename(msg.VoicePrintID, msg.Name); err != nil {
			return err
		}
	case "delete_voiceprint":
		if err := s.Voices.Delete(msg.VoicePrintID); err != nil {
			return err
		}
	}
	list := s.Voices.List()
	infos := make([]VoicePrintInfo, len(list))
	for i, vp := range list {
		infos[i] = voicePrintInfo(vp)
	}
	reply(Message{Type: "voiceprints_list", VoicePrints: infos})
	return nil
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) meetingOr404(w http.ResponseWriter, r *http.Request) *service.Meeting {
	if s.Meetings == nil {
		http.NotFound(w, r)
		return nil
	}
	m, err := s.Meetings.Get(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return nil
	}
	return m
}

func (s *Server) handleMeetings(w http.ResponseWriter, r *http.Request) {
	if s.Meetings == nil {
		writeJSON(w, []*service.Meeting{})
		return
	}
	writeJSON(w, s.Meetings.List())
}

func (s *Server) handleMeeting(w http.ResponseWriter, r *http.Request) {
	m := s.meetingOr404(w, r)
	if m == nil {
		return
	}
	body := struct {
		*service.Meeting
		Result *diarization.Result `json:"result,omitempty"`
	}{Meeting: m}
	if result, err := s.resultFor(m.ID); err == nil {
		body.Result = result
	}
	writeJSON(w, body)
}

func (s *Server) handleMeetingAudio(w http.ResponseWriter, r *http.Request) {
	m := s.meetingOr404(w, r)
	if m == nil {
		return
	}
	path, err := s.Meetings.AudioPath(m.ID)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	if _, err := os.Stat(path); err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	http.ServeFile(w, r, path)
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	m := s.meetingOr404(w, r)
	if m == nil {
		return
	}
	text, err := s.transcript(m.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte(text))
}
