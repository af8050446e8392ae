package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ocx/proctor/internal/archive"
	"github.com/ocx/proctor/internal/browser"
	"github.com/ocx/proctor/internal/config"
	"github.com/ocx/proctor/internal/core"
	"github.com/ocx/proctor/internal/detector"
	"github.com/ocx/proctor/internal/events"
	"github.com/ocx/proctor/internal/integrity"
	"github.com/ocx/proctor/internal/metrics"
	"github.com/ocx/proctor/internal/presence"
	"github.com/ocx/proctor/internal/risk"
	"github.com/ocx/proctor/internal/security"
	"github.com/ocx/proctor/internal/store"
	"github.com/ocx/proctor/internal/webhooks"
)

// Options wires a Coordinator. Only Config is required; every other
// collaborator has an in-process default or is skipped when nil.
type Options struct {
	Config        *config.Manager
	Registry      *Registry
	Similarity    detector.SimilarityChecker
	FrameAnalyzer detector.FrameAnalyzer
	Snapshots     store.SnapshotStore
	Archive       archive.Archive
	Events        events.EventEmitter
	Webhooks      webhooks.WebhookEmitter
	Metrics       *metrics.Metrics
	Pool          *AnalysisPool
	Now           func() time.Time
	Logger        *slog.Logger
}

// Coordinator owns the lifecycle of every session. It is the only entry
// point external callers use; monitors are reached through it.
type Coordinator struct {
	config        *config.Manager
	registry      *Registry
	similarity    detector.SimilarityChecker
	frameAnalyzer detector.FrameAnalyzer
	snapshots     store.SnapshotStore
	archive       archive.Archive
	events        events.EventEmitter
	webhooks      webhooks.WebhookEmitter
	metrics       *metrics.Metrics
	pool          *AnalysisPool
	now           func() time.Time
	logger        *slog.Logger
}

// NewCoordinator creates a coordinator.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Config == nil {
		opts.Config = config.NewManager(config.Default())
	}
	if opts.Registry == nil {
		opts.Registry = NewRegistry()
	}
	if opts.Similarity == nil {
		ic := opts.Config.Global().Integrity
		sc := detector.NewShingleChecker(ic.ShingleSize)
		SeedCorpus(sc, ic.ReferenceAnswers)
		opts.Similarity = sc
	}
	if opts.FrameAnalyzer == nil {
		opts.FrameAnalyzer = detector.ClientReportedAnalyzer{}
	}
	if opts.Archive == nil {
		opts.Archive = archive.NewMemoryArchive()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		config:        opts.Config,
		registry:      opts.Registry,
		similarity:    opts.Similarity,
		frameAnalyzer: opts.FrameAnalyzer,
		snapshots:     opts.Snapshots,
		archive:       opts.Archive,
		events:        opts.Events,
		webhooks:      opts.Webhooks,
		metrics:       opts.Metrics,
		pool:          opts.Pool,
		now:           opts.Now,
		logger:        opts.Logger,
	}
}

// SeedCorpus adds the configured reference answers to a similarity corpus.
func SeedCorpus(c detector.Corpus, refs []config.ReferenceText) {
	for _, ref := range refs {
		source := ref.Source
		if source == "" {
			source = "reference"
		}
		c.Add(ref.AssessmentID, ref.QuestionID, "reference:"+source, ref.Text)
	}
}

// Registry exposes the session registry for sweepers and views.
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// ============================================================================
// INITIALIZE
// ============================================================================

// SessionConfiguration carries per-session overrides of the profile.
type SessionConfiguration struct {
	ProfileID       string                    `json:"profileId,omitempty"`
	ViolationPolicy *browser.ViolationPolicy  `json:"violationPolicy,omitempty"`
	Privacy         *presence.PrivacySettings `json:"privacy,omitempty"`
}

// InitRequest starts a session. SessionID is optional; one is generated
// when empty.
type InitRequest struct {
	SessionID         string
	UserID            string
	AssessmentID      string
	DeviceInfo        security.DeviceInfo
	DeviceFingerprint string
	EnableWebcam      bool
	EnableAI          bool
	Configuration     SessionConfiguration
}

// Initialize validates the device and creates the session's monitors. The
// browser monitor is always created; webcam and AI only when enabled.
// Nothing is registered unless every check passes.
func (c *Coordinator) Initialize(ctx context.Context, req InitRequest) (*CompositeSession, error) {
	switch {
	case strings.TrimSpace(req.UserID) == "":
		return nil, core.NewValidationError("userId", "is required")
	case strings.TrimSpace(req.AssessmentID) == "":
		return nil, core.NewValidationError("assessmentId", "is required")
	case strings.TrimSpace(req.DeviceInfo.UserAgent) == "":
		return nil, core.NewValidationError("userAgent", "is required")
	case strings.TrimSpace(req.DeviceInfo.ScreenResolution) == "":
		return nil, core.NewValidationError("screenResolution", "is required")
	}

	cfg := c.config.Get(req.Configuration.ProfileID)
	device := req.DeviceInfo
	if req.DeviceFingerprint != "" {
		device.Fingerprint = req.DeviceFingerprint
	}
	devicePolicy := security.DevicePolicy{
		AllowedBrowsers: cfg.Browser.AllowedBrowsers,
		MinWidth:        cfg.Browser.MinScreenWidth,
		MinHeight:       cfg.Browser.MinScreenHeight,
		BlockIncognito:  cfg.Browser.BlockIncognito,
	}
	if err := security.CheckDevice(device, devicePolicy); err != nil {
		return nil, err
	}

	policy, err := violationPolicy(cfg.Browser.Policy, req.Configuration.ViolationPolicy)
	if err != nil {
		return nil, err
	}
	privacy := presence.PrivacySettings{
		DataMinimization: cfg.Webcam.DataMinimization,
		AnonymizeFrames:  cfg.Webcam.AnonymizeFrames,
	}
	if p := req.Configuration.Privacy; p != nil {
		privacy = *p
	}

	id := strings.TrimSpace(req.SessionID)
	if id == "" {
		id = uuid.New().String()
	} else if _, exists := c.registry.Get(id); exists {
		return nil, core.NewValidationError("sessionId", "%q is already in use", id)
	}

	s := &Session{
		ID:            id,
		UserID:        req.UserID,
		AssessmentID:  req.AssessmentID,
		ProfileID:     req.Configuration.ProfileID,
		SecurityLevel: core.SecurityLevelFor(req.EnableWebcam, req.EnableAI),
		CreatedAt:     c.now(),
		Device:        device,
		maxIdle:       time.Duration(cfg.Browser.MaxIdleTimeSeconds) * time.Second,
	}
	logger := c.logger.With("assessment_id", s.AssessmentID)

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		m := browser.NewMonitor(browser.Options{
			SessionID:           id,
			UserID:              s.UserID,
			AssessmentID:        s.AssessmentID,
			Policy:              policy,
			Device:              devicePolicy,
			CPUAnomalyThreshold: cfg.Browser.CPUAnomalyThreshold,
			Now:                 c.now,
			Logger:              logger,
		})
		if err := m.Activate(device); err != nil {
			return err
		}
		if err := m.StartMonitoring(); err != nil {
			return err
		}
		s.Browser = m
		return nil
	})
	if req.EnableWebcam {
		g.Go(func() error {
			s.Webcam = presence.NewMonitor(presence.Options{
				SessionID:    id,
				UserID:       s.UserID,
				AssessmentID: s.AssessmentID,
				Policy: presence.Policy{
					MinConfidence:   cfg.Webcam.MinConfidence,
					FlagLookingAway: cfg.Webcam.FlagLookingAway,
					RetainFrames:    cfg.Webcam.RetainFrames,
				},
				Privacy:  privacy,
				Analyzer: c.frameAnalyzer,
				Now:      c.now,
				Logger:   logger,
			})
			return nil
		})
	}
	if req.EnableAI {
		g.Go(func() error {
			s.AI = integrity.NewEngine(integrity.Options{
				SessionID:    id,
				UserID:       s.UserID,
				AssessmentID: s.AssessmentID,
				Settings:     integritySettings(cfg.Integrity),
				Checker:      c.similarity,
				Now:          c.now,
				Logger:       logger,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if !c.registry.Add(s) {
		return nil, core.NewValidationError("sessionId", "%q is already in use", id)
	}
	s.swapRisk(core.RiskLow)

	c.metrics.RecordSessionStarted(string(s.SecurityLevel))
	c.emit(events.TypeSessionStarted, s, map[string]interface{}{
		"securityLevel":  s.SecurityLevel,
		"webcamEnabled":  req.EnableWebcam,
		"aiEnabled":      req.EnableAI,
		"browser":        security.DetectBrowser(device.UserAgent),
		"deviceHashSeen": device.Fingerprint != "",
	})
	c.persist(ctx, s)

	logger.Info("proctoring session initialized",
		"session_id", id,
		"user_id", s.UserID,
		"security_level", s.SecurityLevel,
	)
	return s.composite(), nil
}

func violationPolicy(base config.ViolationPolicyConfig, override *browser.ViolationPolicy) (browser.ViolationPolicy, error) {
	p := browser.ViolationPolicy{
		AutoTerminate:        base.AutoTerminate,
		WarningThreshold:     base.WarningThreshold,
		TerminationThreshold: base.TerminationThreshold,
		GracePeriodSeconds:   base.GracePeriodSeconds,
	}
	if override != nil {
		p = *override
	}
	if p.WarningThreshold < 0 || p.TerminationThreshold < 0 || p.GracePeriodSeconds < 0 {
		return p, core.NewValidationError("configuration.violationPolicy", "thresholds must be non-negative")
	}
	if p.TerminationThreshold > 0 && p.WarningThreshold > p.TerminationThreshold {
		return p, core.NewValidationError("configuration.violationPolicy",
			"warningThreshold %d exceeds terminationThreshold %d", p.WarningThreshold, p.TerminationThreshold)
	}
	return p, nil
}

func integritySettings(ic config.IntegrityConfig) integrity.Settings {
	return integrity.Settings{
		Weights: integrity.Weights{
			Plagiarism: ic.Weights.Plagiarism,
			Typing:     ic.Weights.Typing,
			Response:   ic.Weights.Response,
		},
		PlagiarismThreshold: ic.PlagiarismThreshold,
		Response: integrity.ResponseExpectations{
			MinThinkTimeMs:    float64(ic.MinThinkTimeMs),
			MaxCharsPerSecond: ic.MaxCharsPerSecond,
			MinReviewTimeMs:   float64(ic.MinReviewTimeMs),
		},
	}
}

// ============================================================================
// LOOKUP
// ============================================================================

func (c *Coordinator) lookup(sessionID string) (*Session, error) {
	s, ok := c.registry.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	return s, nil
}

// active returns a session that still accepts writes to component.
func (c *Coordinator) active(sessionID string, component core.Component) (*Session, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if s.Completed() {
		return nil, core.ErrSessionTerminated
	}
	if !s.has(component) {
		return nil, fmt.Errorf("%w: %s monitor is not enabled for session %s",
			core.ErrUnsupportedComponent, component, s.ID)
	}
	return s, nil
}

// routable is active for events. A completed session still routes events
// carrying an id, so a retry of an already recorded event gets its ack
// back; the monitor rejects anything new.
func (c *Coordinator) routable(sessionID string, component core.Component, eventID string) (*Session, error) {
	s, err := c.active(sessionID, component)
	if !errors.Is(err, core.ErrSessionTerminated) || eventID == "" {
		return s, err
	}
	s, err = c.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.has(component) {
		return nil, fmt.Errorf("%w: %s monitor is not enabled for session %s",
			core.ErrUnsupportedComponent, component, s.ID)
	}
	return s, nil
}

// ============================================================================
// EVENT DISPATCH
// ============================================================================

// EventInput is an event routed to one monitor. EventID makes retries
// idempotent.
type EventInput struct {
	EventID         string
	Type            string
	Severity        core.Severity
	Payload         map[string]any
	ClientTimestamp *time.Time
}

// Ack acknowledges a routed write.
type Ack struct {
	SessionID   string                 `json:"sessionId"`
	Component   core.Component         `json:"component"`
	EventID     string                 `json:"eventId,omitempty"`
	Duplicate   bool                   `json:"duplicate"`
	Action      browser.Action         `json:"action,omitempty"`
	Reason      string                 `json:"reason,omitempty"`
	RiskLevel   core.RiskLevel         `json:"riskLevel"`
	Status      string                 `json:"status"`
	Synthesized *browser.SecurityEvent `json:"synthesizedEvent,omitempty"`
}

// DispatchEvent routes an event to the session's monitor for component.
// Browser events are followed by a violation-policy check; a terminate
// decision completes the session with reason auto_terminated.
func (c *Coordinator) DispatchEvent(ctx context.Context, sessionID string, component core.Component, in EventInput) (*Ack, error) {
	if strings.TrimSpace(in.Type) == "" {
		return nil, core.NewValidationError("eventType", "is required")
	}
	if !in.Severity.Valid() {
		return nil, core.NewValidationError("severity", "invalid severity %q", in.Severity)
	}
	s, err := c.routable(sessionID, component, in.EventID)
	if err != nil {
		return nil, err
	}

	ack := &Ack{SessionID: s.ID, Component: component}
	switch component {
	case core.ComponentBrowser:
		res, err := s.Browser.RecordEvent(browser.EventInput{
			EventID:         in.EventID,
			Type:            in.Type,
			Severity:        in.Severity,
			Details:         in.Payload,
			ClientTimestamp: in.ClientTimestamp,
		})
		if err != nil {
			return nil, err
		}
		ack.EventID, ack.Duplicate = res.Event.ID, res.Duplicate
		c.recordViolation(s, component, res.Event.ID, res.Event.Type, res.Event.Severity, res.Duplicate)
		var d browser.ThresholdDecision
		if res.Duplicate && s.Completed() {
			d = s.Browser.CheckViolationThresholds()
		} else {
			d = c.applyThresholds(ctx, s)
		}
		ack.Action, ack.Reason = d.Action, d.Reason

	case core.ComponentWebcam:
		v, dup, err := s.Webcam.RecordViolation(presence.ViolationInput{
			ViolationID: in.EventID,
			Type:        in.Type,
			Severity:    in.Severity,
			Description: stringField(in.Payload, "description"),
			Details:     in.Payload,
		})
		if err != nil {
			return nil, err
		}
		ack.EventID, ack.Duplicate = v.ViolationID, dup
		c.recordViolation(s, component, v.ViolationID, v.Type, v.Severity, dup)

	case core.ComponentAI:
		confidence := 1.0
		if v, ok := floatField(in.Payload, "confidence"); ok {
			confidence = v
		}
		a, dup, err := s.AI.AddRealTimeAlert(integrity.AlertInput{
			AlertID:    in.EventID,
			Type:       in.Type,
			Severity:   in.Severity,
			Confidence: confidence,
			Details:    in.Payload,
		})
		if err != nil {
			return nil, err
		}
		ack.EventID, ack.Duplicate = a.ID, dup
		c.recordViolation(s, component, a.ID, a.Type, a.Severity, dup)

	default:
		return nil, fmt.Errorf("%w: %s", core.ErrUnsupportedComponent, component)
	}

	if ack.Duplicate && s.Completed() {
		ack.RiskLevel = risk.Aggregate(s.states()).RiskLevel
	} else {
		ack.RiskLevel = c.afterMutation(ctx, s)
	}
	ack.Status = s.status()
	return ack, nil
}

// recordViolation counts and publishes one recorded violation.
func (c *Coordinator) recordViolation(s *Session, component core.Component, id, typ string, sev core.Severity, duplicate bool) {
	c.metrics.RecordEvent(component.String(), string(sev), duplicate)
	if duplicate {
		return
	}
	c.emit(events.TypeViolation, s, map[string]interface{}{
		"component": component.String(),
		"id":        id,
		"type":      typ,
		"severity":  sev,
	})
}

// applyThresholds evaluates the violation policy and acts on it.
func (c *Coordinator) applyThresholds(ctx context.Context, s *Session) browser.ThresholdDecision {
	d := s.Browser.CheckViolationThresholds()
	switch d.Action {
	case browser.ActionWarning:
		if s.warned.CompareAndSwap(false, true) {
			data := map[string]interface{}{"reason": d.Reason, "violationCount": d.ViolationCount}
			c.emit(events.TypeWarning, s, data)
			c.hook(webhooks.EventPolicyWarning, s, data)
		}
	case browser.ActionTerminate:
		if _, err := c.complete(ctx, s, browser.ReasonAutoTerminated); err != nil {
			c.logger.Error("auto-termination failed", "session_id", s.ID, "error", err)
		}
	}
	return d
}

// UpdateWindowTracking records window telemetry. A blur synthesized from a
// focus update is returned in the ack and counts toward the policy.
func (c *Coordinator) UpdateWindowTracking(ctx context.Context, sessionID string, kind browser.WindowKind, data map[string]any) (*Ack, error) {
	s, err := c.active(sessionID, core.ComponentBrowser)
	if err != nil {
		return nil, err
	}
	res, err := s.Browser.UpdateWindowTracking(kind, data)
	if err != nil {
		return nil, err
	}
	return c.browserAck(ctx, s, res), nil
}

// UpdatePerformanceMetrics records a performance sample. A cpu anomaly is
// returned in the ack as a synthesized suspicious_activity event.
func (c *Coordinator) UpdatePerformanceMetrics(ctx context.Context, sessionID string, kind browser.MetricKind, value float64) (*Ack, error) {
	s, err := c.active(sessionID, core.ComponentBrowser)
	if err != nil {
		return nil, err
	}
	res, err := s.Browser.UpdatePerformanceMetrics(kind, value)
	if err != nil {
		return nil, err
	}
	return c.browserAck(ctx, s, res), nil
}

func (c *Coordinator) browserAck(ctx context.Context, s *Session, res *browser.Result) *Ack {
	ack := &Ack{SessionID: s.ID, Component: core.ComponentBrowser, Action: browser.ActionContinue}
	if res != nil {
		ev := res.Event
		ack.EventID = ev.ID
		ack.Synthesized = &ev
		c.recordViolation(s, core.ComponentBrowser, ev.ID, ev.Type, ev.Severity, false)
		d := c.applyThresholds(ctx, s)
		ack.Action, ack.Reason = d.Action, d.Reason
	}
	ack.RiskLevel = c.afterMutation(ctx, s)
	ack.Status = s.status()
	return ack
}

// ============================================================================
// WEBCAM
// ============================================================================

// IngestFrame analyzes a webcam frame. With an analysis pool configured the
// frame is queued and a pending result is returned at once; a full queue
// falls back to inline analysis.
func (c *Coordinator) IngestFrame(ctx context.Context, sessionID string, in presence.FrameInput) (presence.FrameResult, error) {
	if in.FrameNumber < 0 {
		return presence.FrameResult{}, core.NewValidationError("frameNumber", "must be non-negative")
	}
	s, err := c.active(sessionID, core.ComponentWebcam)
	if err != nil {
		return presence.FrameResult{}, err
	}

	if c.pool != nil {
		queued := c.pool.Submit(func(jobCtx context.Context) {
			if _, err := c.ingestFrame(jobCtx, s, in); err != nil && !errors.Is(err, core.ErrSessionTerminated) {
				c.logger.Warn("queued frame analysis failed", "session_id", s.ID, "frame_number", in.FrameNumber, "error", err)
			}
		})
		if queued {
			return presence.FrameResult{FrameNumber: in.FrameNumber, Status: presence.FramePending}, nil
		}
		c.logger.Warn("analysis queue full, analyzing inline", "session_id", s.ID, "pending", c.pool.Pending())
	}
	return c.ingestFrame(ctx, s, in)
}

func (c *Coordinator) ingestFrame(ctx context.Context, s *Session, in presence.FrameInput) (presence.FrameResult, error) {
	res, err := s.Webcam.IngestFrame(ctx, in)
	if err != nil {
		return res, err
	}
	for _, v := range res.Violations {
		c.recordViolation(s, core.ComponentWebcam, v.ViolationID, v.Type, v.Severity, false)
	}
	if res.Status != presence.FrameDuplicate {
		c.afterMutation(ctx, s)
	}
	return res, nil
}

// UpdatePrivacy changes the session's webcam privacy settings.
func (c *Coordinator) UpdatePrivacy(ctx context.Context, sessionID string, p presence.PrivacySettings) error {
	s, err := c.active(sessionID, core.ComponentWebcam)
	if err != nil {
		return err
	}
	if err := s.Webcam.UpdatePrivacy(p); err != nil {
		return err
	}
	c.afterMutation(ctx, s)
	return nil
}

// ============================================================================
// AI INTEGRITY
// ============================================================================

// AnalyzeAnswer runs the plagiarism check for one answer.
func (c *Coordinator) AnalyzeAnswer(ctx context.Context, sessionID, questionID, answer string, meta integrity.AnswerMetadata) (integrity.AnswerResult, error) {
	s, err := c.active(sessionID, core.ComponentAI)
	if err != nil {
		return integrity.AnswerResult{}, err
	}
	res, err := s.AI.AnalyzeAnswer(ctx, questionID, answer, meta)
	if err != nil {
		return res, err
	}
	for _, a := range res.Alerts {
		c.recordViolation(s, core.ComponentAI, a.ID, a.Type, a.Severity, false)
	}
	c.afterMutation(ctx, s)
	return res, nil
}

// AnalyzeTyping scores a keystroke batch.
func (c *Coordinator) AnalyzeTyping(ctx context.Context, sessionID, batchID string, keystrokes []integrity.Keystroke) (integrity.TypingResult, error) {
	s, err := c.active(sessionID, core.ComponentAI)
	if err != nil {
		return integrity.TypingResult{}, err
	}
	res, err := s.AI.AnalyzeTyping(ctx, batchID, keystrokes)
	if err != nil {
		return res, err
	}
	c.afterMutation(ctx, s)
	return res, nil
}

// AnalyzeResponseTime scores the timing of one answer.
func (c *Coordinator) AnalyzeResponseTime(ctx context.Context, sessionID, eventID, questionID string, b integrity.ResponseBreakdown) (integrity.ResponseResult, error) {
	s, err := c.active(sessionID, core.ComponentAI)
	if err != nil {
		return integrity.ResponseResult{}, err
	}
	res, err := s.AI.AnalyzeResponseTime(ctx, eventID, questionID, b)
	if err != nil {
		return res, err
	}
	c.afterMutation(ctx, s)
	return res, nil
}

// ============================================================================
// STATUS & COMPLETION
// ============================================================================

// AggregatedStatus is the status view of a session.
type AggregatedStatus struct {
	SessionID       string             `json:"sessionId"`
	UserID          string             `json:"userId"`
	AssessmentID    string             `json:"assessmentId"`
	Status          string             `json:"status"`
	SecurityLevel   core.SecurityLevel `json:"securityLevel"`
	RiskLevel       core.RiskLevel     `json:"riskLevel"`
	TotalViolations int                `json:"totalViolations"`
	Recommendations []string           `json:"recommendations"`
	Components      Components         `json:"components"`
	CreatedAt       time.Time          `json:"createdAt"`
	CompletedAt     *time.Time         `json:"completedAt,omitempty"`
}

// GetStatus aggregates the current risk of a session. Sessions held by
// another instance are served from the snapshot store.
func (c *Coordinator) GetStatus(ctx context.Context, sessionID string) (*AggregatedStatus, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return c.statusFromSnapshot(ctx, sessionID, err)
	}
	b, w, a := s.states()
	assessment := risk.Aggregate(b, w, a)
	c.metrics.RecordRisk(string(assessment.RiskLevel))
	return &AggregatedStatus{
		SessionID:       s.ID,
		UserID:          s.UserID,
		AssessmentID:    s.AssessmentID,
		Status:          s.status(),
		SecurityLevel:   s.SecurityLevel,
		RiskLevel:       assessment.RiskLevel,
		TotalViolations: assessment.TotalViolations,
		Recommendations: assessment.Recommendations,
		Components:      Components{BrowserLockdown: b, WebcamMonitoring: w, AIIntegrity: a},
		CreatedAt:       s.CreatedAt,
		CompletedAt:     s.CompletedAt(),
	}, nil
}

func (c *Coordinator) statusFromSnapshot(ctx context.Context, sessionID string, notFound error) (*AggregatedStatus, error) {
	if c.snapshots == nil {
		return c.statusFromArchive(ctx, sessionID, notFound)
	}
	snap, err := c.snapshots.Load(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.statusFromArchive(ctx, sessionID, notFound)
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	assessment := risk.Aggregate(snap.Browser, snap.Webcam, snap.AI)
	st := &AggregatedStatus{
		SessionID:       snap.SessionID,
		UserID:          snap.UserID,
		AssessmentID:    snap.AssessmentID,
		Status:          StatusActive,
		SecurityLevel:   core.SecurityLevel(snap.SecurityLevel),
		RiskLevel:       assessment.RiskLevel,
		TotalViolations: assessment.TotalViolations,
		Recommendations: assessment.Recommendations,
		Components:      Components{BrowserLockdown: snap.Browser, WebcamMonitoring: snap.Webcam, AIIntegrity: snap.AI},
	}
	if snap.Browser != nil {
		st.CreatedAt = snap.Browser.StartTime
	}
	if snap.Completed {
		st.Status = StatusCompleted
	}
	return st, nil
}

// statusFromArchive answers for an evicted session from its final report.
// Monitor states are no longer available.
func (c *Coordinator) statusFromArchive(ctx context.Context, sessionID string, notFound error) (*AggregatedStatus, error) {
	rec, err := c.archive.Get(ctx, sessionID)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, notFound
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(rec.Report, &r); err != nil {
		return nil, fmt.Errorf("decode archived report: %w", err)
	}
	end := r.EndTime
	return &AggregatedStatus{
		SessionID:       r.SessionID,
		UserID:          r.UserID,
		AssessmentID:    r.AssessmentID,
		Status:          StatusCompleted,
		SecurityLevel:   r.ComprehensiveReport.SecurityLevel,
		RiskLevel:       r.RiskAssessment.RiskLevel,
		TotalViolations: r.RiskAssessment.TotalViolations,
		Recommendations: r.RiskAssessment.Recommendations,
		CreatedAt:       r.StartTime,
		CompletedAt:     &end,
	}, nil
}

// Complete terminates every monitor of the session and returns its final
// report. Completing an already completed session returns the stored report.
func (c *Coordinator) Complete(ctx context.Context, sessionID, reason string) (*Report, error) {
	s, err := c.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = ReasonCompleted
	}
	return c.complete(ctx, s, reason)
}

// complete builds the report under the completion lock so that exactly one
// caller terminates the monitors; side effects run after the lock is released.
func (c *Coordinator) complete(ctx context.Context, s *Session, reason string) (*Report, error) {
	s.mu.Lock()
	if s.report != nil {
		r := s.report
		s.mu.Unlock()
		return r, nil
	}
	end := c.now()
	if s.Browser != nil {
		s.Browser.Terminate(reason)
	}
	if s.Webcam != nil {
		s.Webcam.Terminate(reason)
	}
	if s.AI != nil {
		s.AI.Terminate(reason)
	}
	report := buildReport(s, reason, end)
	s.report = report
	s.completedAt = &end
	s.mu.Unlock()

	auto := reason == browser.ReasonAutoTerminated
	c.metrics.RecordSessionCompleted(reason, auto)
	c.archiveReport(ctx, report)

	data := map[string]interface{}{
		"reason":          reason,
		"riskLevel":       report.RiskAssessment.RiskLevel,
		"totalViolations": report.RiskAssessment.TotalViolations,
		"durationSeconds": report.DurationSeconds,
	}
	c.emit(events.TypeSessionCompleted, s, data)
	if auto {
		c.emit(events.TypeAutoTerminated, s, data)
		c.hook(webhooks.EventAutoTerminated, s, data)
	}
	c.hook(webhooks.EventSessionTerminated, s, data)
	c.persist(ctx, s)

	c.logger.Info("proctoring session completed",
		"session_id", s.ID,
		"reason", reason,
		"risk_level", report.RiskAssessment.RiskLevel,
		"total_violations", report.RiskAssessment.TotalViolations,
	)
	return report, nil
}

func (c *Coordinator) archiveReport(ctx context.Context, r *Report) {
	body, err := json.Marshal(r)
	if err != nil {
		c.logger.Error("report marshal failed", "session_id", r.SessionID, "error", err)
		return
	}
	rec := archive.Record{
		SessionID:    r.SessionID,
		UserID:       r.UserID,
		AssessmentID: r.AssessmentID,
		RiskLevel:    string(r.RiskAssessment.RiskLevel),
		Reason:       r.Reason,
		CompletedAt:  r.EndTime,
		Report:       body,
	}
	if err := c.archive.Put(ctx, rec); err != nil {
		c.logger.Error("report archive failed", "session_id", r.SessionID, "error", err)
	}
}

// GetReport returns the final report of a completed session, from memory or
// from the archive once the session has been evicted.
func (c *Coordinator) GetReport(ctx context.Context, sessionID string) (*Report, error) {
	if s, ok := c.registry.Get(sessionID); ok {
		s.mu.Lock()
		r := s.report
		s.mu.Unlock()
		if r == nil {
			return nil, fmt.Errorf("%w: session %s is still active", core.ErrReportNotFound, sessionID)
		}
		return r, nil
	}

	rec, err := c.archive.Get(ctx, sessionID)
	if errors.Is(err, archive.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", core.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, err
	}
	var r Report
	if err := json.Unmarshal(rec.Report, &r); err != nil {
		return nil, fmt.Errorf("decode archived report: %w", err)
	}
	return &r, nil
}

// AcknowledgeViolation marks a violation handled by a reviewer. It works on
// completed sessions too.
func (c *Coordinator) AcknowledgeViolation(ctx context.Context, sessionID string, component core.Component, violationID string) error {
	s, err := c.lookup(sessionID)
	if err != nil {
		return err
	}
	if !s.has(component) {
		return fmt.Errorf("%w: %s", core.ErrMonitorNotFound, component)
	}

	var found bool
	switch component {
	case core.ComponentBrowser:
		found = s.Browser.Acknowledge(violationID)
	case core.ComponentWebcam:
		found = s.Webcam.Acknowledge(violationID)
	case core.ComponentAI:
		found = s.AI.Acknowledge(violationID)
	}
	if !found {
		return fmt.Errorf("%w: %s", core.ErrViolationNotFound, violationID)
	}
	c.persist(ctx, s)
	return nil
}

// ============================================================================
// SIDE EFFECTS
// ============================================================================

// afterMutation re-aggregates risk, publishes a change and saves the
// snapshot. It returns the current level.
func (c *Coordinator) afterMutation(ctx context.Context, s *Session) core.RiskLevel {
	b, w, a := s.states()
	level := risk.Aggregate(b, w, a).RiskLevel
	c.metrics.RecordRisk(string(level))

	if prev := s.swapRisk(level); prev != "" && prev != level {
		data := map[string]interface{}{"previousRiskLevel": prev, "riskLevel": level}
		c.emit(events.TypeRiskChanged, s, data)
		if level.Rank() > prev.Rank() && level.Rank() >= core.RiskHigh.Rank() {
			c.hook(webhooks.EventRiskEscalated, s, data)
		}
	}
	c.save(ctx, s, b, w, a)
	return level
}

func (c *Coordinator) persist(ctx context.Context, s *Session) {
	if c.snapshots == nil {
		return
	}
	b, w, a := s.states()
	c.save(ctx, s, b, w, a)
}

func (c *Coordinator) save(ctx context.Context, s *Session, b *browser.State, w *presence.State, a *integrity.State) {
	if c.snapshots == nil {
		return
	}
	snap := &store.Snapshot{
		SessionID:     s.ID,
		UserID:        s.UserID,
		AssessmentID:  s.AssessmentID,
		SecurityLevel: string(s.SecurityLevel),
		UpdatedAt:     c.now(),
		Browser:       b,
		Webcam:        w,
		AI:            a,
	}
	s.mu.Lock()
	report := s.report
	s.mu.Unlock()
	if report != nil {
		snap.Completed = true
		if body, err := json.Marshal(report); err == nil {
			snap.Report = body
		}
	}
	if err := c.snapshots.Save(ctx, snap); err != nil {
		c.logger.Warn("snapshot save failed", "session_id", s.ID, "error", err)
	}
}

// emit publishes a CloudEvent for the session. data is copied.
func (c *Coordinator) emit(eventType string, s *Session, data map[string]interface{}) {
	if c.events == nil {
		return
	}
	payload := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["assessmentId"] = s.AssessmentID
	payload["userId"] = s.UserID
	c.events.Emit(eventType, events.Source, s.ID, payload)
}

// hook dispatches a webhook for the session. data is copied.
func (c *Coordinator) hook(eventType webhooks.EventType, s *Session, data map[string]interface{}) {
	if c.webhooks == nil {
		return
	}
	payload := make(map[string]interface{}, len(data)+2)
	for k, v := range data {
		payload[k] = v
	}
	payload["sessionId"] = s.ID
	payload["userId"] = s.UserID
	c.webhooks.Emit(eventType, s.AssessmentID, payload)
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}

func floatField(m map[string]any, key string) (float64, bool) {
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}
