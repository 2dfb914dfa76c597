// Package control exposes the daemon over the message bus. Command subjects
// drive the recorder, model manager, and transcription orchestrator, and
// component state is republished as JSON for remote consumers.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/murmelabs/murmel-core/internal/audio"
	"github.com/murmelabs/murmel-core/internal/bus"
	"github.com/murmelabs/murmel-core/internal/capture"
	"github.com/murmelabs/murmel-core/internal/config"
	"github.com/murmelabs/murmel-core/internal/fault"
	"github.com/murmelabs/murmel-core/internal/models"
	"github.com/murmelabs/murmel-core/internal/protocol"
	"github.com/murmelabs/murmel-core/internal/recorder"
	"github.com/murmelabs/murmel-core/internal/store"
	"github.com/murmelabs/murmel-core/internal/transcribe"
)

type Service struct {
	bus    *bus.Client
	rec    *recorder.Recorder
	models *models.Manager
	orch   *transcribe.Orchestrator
	store  *store.Store
	log    *slog.Logger

	maxClip time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
	ready  bool

	mu        sync.Mutex
	collector *transcribe.Collector
	lastClip  *transcribe.Clip
	startedAt time.Time
}

func NewService(parent context.Context, recCfg config.RecorderConfig, busClient *bus.Client, rec *recorder.Recorder, mgr *models.Manager, orch *transcribe.Orchestrator, st *store.Store, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	// One extra second of clip absorbs the block that crosses the session
	// ceiling before the recorder's self-stop lands.
	var maxClip time.Duration
	if recCfg.MaxSessionMS > 0 {
		maxClip = time.Duration(recCfg.MaxSessionMS+1000) * time.Millisecond
	}
	return &Service{
		bus:     busClient,
		rec:     rec,
		models:  mgr,
		orch:    orch,
		store:   st,
		log:     logger.With(slog.String("component", "control")),
		maxClip: maxClip,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (s *Service) Start() error {
	handlers := []struct {
		subject string
		fn      nats.MsgHandler
	}{
		{protocol.SubjectRecorderStart, s.handleRecorderStart},
		{protocol.SubjectRecorderStop, s.handleRecorderStop},
		{protocol.SubjectRecorderPause, s.handleRecorderPause},
		{protocol.SubjectRecorderResume, s.handleRecorderResume},
		{protocol.SubjectRecorderConfigure, s.handleRecorderConfigure},
		{protocol.SubjectRecorderStateGet, s.handleRecorderState},
		{protocol.SubjectModelDownload, s.handleModelDownload},
		{protocol.SubjectModelCancel, s.handleModelCancel},
		{protocol.SubjectModelDelete, s.handleModelDelete},
		{protocol.SubjectModelActivate, s.handleModelActivate},
		{protocol.SubjectModelStorage, s.handleModelStorage},
		{protocol.SubjectModelList, s.handleModelList},
		{protocol.SubjectTranscribeRun, s.handleTranscribeRun},
		{protocol.SubjectHistorySessions, s.handleHistorySessions},
		{protocol.SubjectHistoryTranscripts, s.handleHistoryTranscripts},
	}
	for _, h := range handlers {
		sub, err := s.bus.Conn().Subscribe(h.subject, h.fn)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", h.subject, err)
		}
		s.subs = append(s.subs, sub)
	}

	watchers := []func(){
		s.watchState,
		s.watchFrames,
		s.watchWaveform,
		s.watchCatalog,
		s.watchModelProgress,
		s.watchTranscribeProgress,
	}
	for _, w := range watchers {
		s.wg.Add(1)
		go w()
	}
	s.ready = true
	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.wg.Wait()

	s.mu.Lock()
	col := s.collector
	s.collector = nil
	s.mu.Unlock()
	if col != nil {
		col.Finish()
	}
}

func (s *Service) Healthy() bool {
	return s.ready && s.bus.Healthy()
}

func (s *Service) handleRecorderStart(msg *nats.Msg) {
	// The collector must subscribe before capture begins or leading frames
	// are lost. It adopts the session of the first frame it sees.
	s.mu.Lock()
	created := s.collector == nil
	if created {
		s.collector = transcribe.NewCollector(s.rec.Frames(), s.maxClip)
	}
	s.mu.Unlock()

	err := s.rec.Start(s.ctx)

	s.mu.Lock()
	var discard *transcribe.Collector
	if err == nil {
		s.startedAt = time.Now().UTC()
	} else if created {
		discard = s.collector
		s.collector = nil
	}
	s.mu.Unlock()
	if discard != nil {
		discard.Finish()
	}
	s.respond(msg, err)
}

func (s *Service) handleRecorderStop(msg *nats.Msg) {
	err := s.rec.Stop()
	if err == nil {
		// Finalize synchronously so a transcribe command that follows the
		// ack already finds the clip. The state watcher covers self-stops.
		s.finalizeSession(s.rec.State())
	}
	s.respond(msg, err)
}

func (s *Service) handleRecorderPause(msg *nats.Msg) {
	s.respond(msg, s.rec.Pause())
}

func (s *Service) handleRecorderResume(msg *nats.Msg) {
	s.respond(msg, s.rec.Resume())
}

func (s *Service) handleRecorderConfigure(msg *nats.Msg) {
	var req protocol.ConfigureRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, fault.Wrap(fault.IllegalState, fmt.Errorf("decode configure request: %w", err)))
		return
	}
	s.respond(msg, s.rec.Configure(capture.Config{
		SampleRate: req.SampleRate,
		Channels:   req.Channels,
		BlockSize:  req.BlockSize,
	}))
}

func (s *Service) handleModelDownload(msg *nats.Msg) {
	req, ok := s.decodeModelCommand(msg)
	if !ok {
		return
	}
	sub, err := s.models.Download(req.ModelID)
	if err == nil {
		// Progress reaches consumers through the manager's broadcast hub.
		sub.Close()
	}
	s.respond(msg, err)
}

func (s *Service) handleModelCancel(msg *nats.Msg) {
	req, ok := s.decodeModelCommand(msg)
	if !ok {
		return
	}
	s.respond(msg, s.models.CancelDownload(req.ModelID))
}

func (s *Service) handleModelDelete(msg *nats.Msg) {
	req, ok := s.decodeModelCommand(msg)
	if !ok {
		return
	}
	s.respond(msg, s.models.Delete(req.ModelID))
}

func (s *Service) handleModelActivate(msg *nats.Msg) {
	req, ok := s.decodeModelCommand(msg)
	if !ok {
		return
	}
	s.respond(msg, s.models.SetCurrent(req.ModelID))
}

func (s *Service) handleModelStorage(msg *nats.Msg) {
	info, err := s.models.StorageInfo()
	if err != nil {
		s.respond(msg, err)
		return
	}
	s.replyJSON(msg, protocol.StorageInfo{
		ModelsCount:    info.DownloadedCount,
		ModelsBytes:    info.OccupiedBytes,
		AvailableBytes: info.AvailableBytes,
		TotalBytes:     info.TotalBytes,
	})
}

func (s *Service) handleModelList(msg *nats.Msg) {
	s.replyJSON(msg, catalogMessage(s.models.List()))
}

func (s *Service) handleRecorderState(msg *nats.Msg) {
	s.replyJSON(msg, stateMessage(s.rec.State()))
}

func (s *Service) handleHistorySessions(msg *nats.Msg) {
	var q protocol.HistoryQuery
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &q); err != nil {
			s.respond(msg, fault.Wrap(fault.IllegalState, fmt.Errorf("decode history query: %w", err)))
			return
		}
	}
	if s.store == nil {
		s.replyJSON(msg, protocol.SessionList{Sessions: []protocol.SessionInfo{}})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	sessions, err := s.store.ListSessions(ctx, q.Limit)
	if err != nil {
		s.respond(msg, err)
		return
	}
	out := protocol.SessionList{Sessions: make([]protocol.SessionInfo, 0, len(sessions))}
	for _, sess := range sessions {
		out.Sessions = append(out.Sessions, protocol.SessionInfo{
			SessionID:  sess.ID,
			StartedAt:  sess.StartedAt,
			StoppedAt:  sess.StoppedAt,
			DurationMS: sess.DurationMS,
			Samples:    sess.Samples,
			SampleRate: sess.SampleRate,
			StopReason: sess.StopReason,
		})
	}
	s.replyJSON(msg, out)
}

func (s *Service) handleHistoryTranscripts(msg *nats.Msg) {
	var q protocol.HistoryQuery
	if err := json.Unmarshal(msg.Data, &q); err != nil {
		s.respond(msg, fault.Wrap(fault.IllegalState, fmt.Errorf("decode history query: %w", err)))
		return
	}
	if q.SessionID == "" {
		s.respond(msg, fault.Errorf(fault.IllegalState, "history query missing session_id"))
		return
	}
	if s.store == nil {
		s.replyJSON(msg, protocol.TranscriptList{Transcripts: []protocol.TranscriptInfo{}})
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	transcripts, err := s.store.ListTranscripts(ctx, q.SessionID, q.Limit)
	if err != nil {
		s.respond(msg, err)
		return
	}
	out := protocol.TranscriptList{Transcripts: make([]protocol.TranscriptInfo, 0, len(transcripts))}
	for _, tr := range transcripts {
		out.Transcripts = append(out.Transcripts, protocol.TranscriptInfo{
			SessionID:    tr.SessionID,
			ModelID:      tr.ModelID,
			Language:     tr.Language,
			Text:         tr.Text,
			Confidence:   tr.Confidence,
			ProcessingMS: tr.ProcessingMS,
			CreatedAt:    tr.CreatedAt,
		})
	}
	s.replyJSON(msg, out)
}

func (s *Service) handleTranscribeRun(msg *nats.Msg) {
	var req protocol.TranscribeRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, fault.Wrap(fault.IllegalState, fmt.Errorf("decode transcribe request: %w", err)))
		return
	}

	s.mu.Lock()
	clip := s.lastClip
	s.mu.Unlock()
	if clip == nil {
		s.respond(msg, fault.Errorf(fault.IllegalState, "no finished session to transcribe"))
		return
	}
	if req.SessionID != "" && clip.SessionID != req.SessionID {
		s.respond(msg, fault.Errorf(fault.IllegalState, "session %s is not the collected clip", req.SessionID))
		return
	}

	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	ch := s.orch.Execute(s.ctx, *clip, transcribe.Params{
		RequestID: req.RequestID,
		Language:  req.Language,
		Translate: req.Translate,
	})
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for range ch {
		}
	}()
	s.respondResult(msg, protocol.CommandResult{OK: true, RequestID: req.RequestID})
}

func (s *Service) decodeModelCommand(msg *nats.Msg) (protocol.ModelCommand, bool) {
	var req protocol.ModelCommand
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.respond(msg, fault.Wrap(fault.IllegalState, fmt.Errorf("decode model command: %w", err)))
		return req, false
	}
	if req.ModelID == "" {
		s.respond(msg, fault.Errorf(fault.IllegalState, "model command missing model_id"))
		return req, false
	}
	return req, true
}

// finalizeSession caches the session clip and persists the session row. It
// runs once per session: the stop handler calls it synchronously and the
// state watcher covers self-stops and faults.
func (s *Service) finalizeSession(st recorder.State) {
	s.mu.Lock()
	col := s.collector
	s.collector = nil
	startedAt := s.startedAt
	s.mu.Unlock()
	if col == nil {
		return
	}
	clip := col.Finish()
	// A clip that never adopted a session means capture failed before the
	// first frame. Keep the previous session's clip and history row intact.
	if clip.SessionID == "" {
		return
	}
	s.mu.Lock()
	s.lastClip = &clip
	s.mu.Unlock()

	s.publishFinalMarker(st.SessionID)

	if s.store != nil && st.SessionID != "" {
		reason := string(st.StopReason)
		if st.Phase == recorder.PhaseError {
			reason = "error"
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.store.SaveSession(ctx, store.Session{
			ID:         st.SessionID,
			StartedAt:  startedAt,
			StoppedAt:  time.Now().UTC(),
			DurationMS: st.DurationMS,
			Samples:    st.Samples,
			SampleRate: clip.SampleRate,
			StopReason: reason,
		}); err != nil {
			s.log.Warn("persist session failed", slogError(err))
		}
	}

	s.log.Info("session finalized",
		slog.String("session_id", st.SessionID),
		slog.Int64("duration_ms", st.DurationMS),
		slog.Int64("samples", st.Samples),
		slog.Uint64("dropped_frames", clip.Dropped))
}

func (s *Service) watchState() {
	defer s.wg.Done()
	sub := s.rec.WatchState()
	defer sub.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case st, ok := <-sub.C():
			if !ok {
				return
			}
			s.publishState(st)
			if st.Phase == recorder.PhaseStopped || st.Phase == recorder.PhaseError {
				s.finalizeSession(st)
			}
		}
	}
}

func (s *Service) watchFrames() {
	defer s.wg.Done()
	sub := s.rec.Frames()
	defer sub.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case f, ok := <-sub.C():
			if !ok {
				return
			}
			s.publishFrame(f)
		}
	}
}

func (s *Service) watchWaveform() {
	defer s.wg.Done()
	sub := s.rec.Waveform()
	defer sub.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case w, ok := <-sub.C():
			if !ok {
				return
			}
			s.publishWaveform(w)
		}
	}
}

func (s *Service) watchCatalog() {
	defer s.wg.Done()
	sub := s.models.WatchCatalog()
	defer sub.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case cat, ok := <-sub.C():
			if !ok {
				return
			}
			s.publishCatalog(cat)
		}
	}
}

func (s *Service) watchModelProgress() {
	defer s.wg.Done()
	sub := s.models.WatchProgress()
	defer sub.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case p, ok := <-sub.C():
			if !ok {
				return
			}
			s.publishModelProgress(p)
		}
	}
}

func (s *Service) watchTranscribeProgress() {
	defer s.wg.Done()
	sub := s.orch.WatchProgress()
	defer sub.Close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case p, ok := <-sub.C():
			if !ok {
				return
			}
			s.publishTranscribeProgress(p)
		}
	}
}

func (s *Service) publishState(st recorder.State) {
	s.publish(protocol.SubjectRecorderState, stateMessage(st))
}

func stateMessage(st recorder.State) protocol.RecorderState {
	return protocol.RecorderState{
		Phase:       string(st.Phase),
		SessionID:   st.SessionID,
		DurationMS:  st.DurationMS,
		Samples:     st.Samples,
		StopReason:  string(st.StopReason),
		ErrorKind:   string(st.ErrorKind),
		Error:       st.Error,
		Recoverable: st.Recoverable,
		Timestamp:   time.Now().UTC(),
	}
}

func (s *Service) publishFrame(f recorder.Frame) {
	s.publish(protocol.AudioFrameSubject(f.SessionID), protocol.AudioFrame{
		SessionID:  f.SessionID,
		Sequence:   f.Seq,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		PCM:        audio.PCM16ToBytes(audio.Float32ToPCM16(f.Samples)),
		Voice:      f.Voice,
	})
}

func (s *Service) publishFinalMarker(sessionID string) {
	if sessionID == "" {
		return
	}
	s.publish(protocol.AudioFrameSubject(sessionID), protocol.AudioFrame{
		SessionID: sessionID,
		Final:     true,
	})
}

func (s *Service) publishWaveform(w recorder.WaveformSample) {
	s.publish(protocol.WaveformSubject(w.SessionID), protocol.WaveformPoint{
		SessionID: w.SessionID,
		Sequence:  w.Seq,
		Peak:      w.Peak,
		RMS:       float32(w.RMS),
		Voice:     w.Voice,
		Timestamp: w.Timestamp,
	})
}

func (s *Service) publishCatalog(cat models.Catalog) {
	s.publish(protocol.SubjectModelCatalog, catalogMessage(cat.Models))
}

func catalogMessage(descriptors []models.Descriptor) protocol.ModelCatalog {
	out := protocol.ModelCatalog{
		Models:    make([]protocol.ModelInfo, 0, len(descriptors)),
		Timestamp: time.Now().UTC(),
	}
	for _, d := range descriptors {
		out.Models = append(out.Models, protocol.ModelInfo{
			ID:            d.ID,
			Name:          d.Name,
			SizeBytes:     d.SizeBytes,
			Status:        string(d.Status),
			Current:       d.Current,
			Error:         d.Error,
			UsageCount:    d.Usage.Count,
			AvgConfidence: d.Usage.AvgConfidence,
		})
	}
	return out
}

func (s *Service) publishModelProgress(p models.Progress) {
	s.publish(protocol.ModelProgressSubject(p.ModelID), protocol.DownloadProgress{
		ModelID:     p.ModelID,
		Status:      string(p.Status),
		Downloaded:  p.Downloaded,
		Total:       p.Total,
		Percent:     p.Percent,
		BytesPerSec: p.BytesPerSec,
		ETAMS:       p.ETAMS,
		Error:       p.Err,
	})
}

func (s *Service) publishTranscribeProgress(p transcribe.Progress) {
	msg := protocol.TranscribeProgress{
		RequestID:    p.RequestID,
		Stage:        string(p.Stage),
		ModelID:      p.ModelID,
		Text:         p.Text,
		Confidence:   p.Confidence,
		ProcessingMS: p.Processing.Milliseconds(),
		Timestamp:    time.Now().UTC(),
	}
	if p.Err != nil {
		msg.Error = p.Err.Error()
		msg.ErrorKind = string(fault.KindOf(p.Err))
	}
	s.publish(protocol.TranscribeProgressSubject(p.RequestID), msg)
}

func (s *Service) publish(subject string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Warn("failed to marshal bus message", slog.String("subject", subject), slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.log.Warn("failed to publish bus message", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) respond(msg *nats.Msg, err error) {
	if err != nil {
		s.log.Warn("command failed",
			slog.String("subject", msg.Subject),
			slog.String("kind", string(fault.KindOf(err))),
			slogError(err))
	}
	if msg.Reply == "" {
		return
	}
	res := protocol.CommandResult{OK: err == nil}
	if err != nil {
		res.Error = err.Error()
		res.Kind = string(fault.KindOf(err))
	}
	s.respondResult(msg, res)
}

func (s *Service) respondResult(msg *nats.Msg, res protocol.CommandResult) {
	s.replyJSON(msg, res)
}

func (s *Service) replyJSON(msg *nats.Msg, v any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to respond", slog.String("subject", msg.Subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
